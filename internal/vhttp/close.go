/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

package vhttp

// CloseReason records why a connection is (to be) closed. The distinct
// values act as sentinels; ScNull means no close has been decided.
type CloseReason struct {
	name string
	err  bool
}

// Name returns the reason's log token
func (c *CloseReason) Name() string { return c.name }

// IsErr reports whether the reason indicates a transaction error
func (c *CloseReason) IsErr() bool { return c.err }

// Close reasons
var (
	ScNull         = &CloseReason{"NULL", false}
	ScRemClose     = &CloseReason{"REM_CLOSE", false}
	ScReqClose     = &CloseReason{"REQ_CLOSE", false}
	ScRespClose    = &CloseReason{"RESP_CLOSE", false}
	ScRxTimeout    = &CloseReason{"RX_TIMEOUT", true}
	ScRxBad        = &CloseReason{"RX_BAD", true}
	ScRxJunk       = &CloseReason{"RX_JUNK", true}
	ScRxBody       = &CloseReason{"RX_BODY", true}
	ScRxOverflow   = &CloseReason{"RX_OVERFLOW", true}
	ScTxPipe       = &CloseReason{"TX_PIPE", false}
	ScTxError      = &CloseReason{"TX_ERROR", true}
	ScTxEOF        = &CloseReason{"TX_EOF", false}
	ScOverload     = &CloseReason{"OVERLOAD", true}
	ScPipeOverflow = &CloseReason{"PIPE_OVERFLOW", true}
	ScRangeShort   = &CloseReason{"RANGE_SHORT", true}
)
