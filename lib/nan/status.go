package nan

import "fmt"

// NativeStatus is a status code reported by the radio driver.
type NativeStatus int

// Command status codes.
const (
	StatusSuccess               NativeStatus = 0
	StatusTimeout               NativeStatus = 1
	StatusDEFailure             NativeStatus = 2
	StatusInvalidMsgVersion     NativeStatus = 3
	StatusInvalidMsgLen         NativeStatus = 4
	StatusInvalidMsgID          NativeStatus = 5
	StatusInvalidHandle         NativeStatus = 6
	StatusNoSpaceAvailable      NativeStatus = 7
	StatusInvalidPublishType    NativeStatus = 8
	StatusInvalidTxType         NativeStatus = 9
	StatusInvalidMatchAlgorithm NativeStatus = 10
	StatusDisableInProgress     NativeStatus = 11
	StatusInvalidTLVLen         NativeStatus = 12
	StatusInvalidTLVType        NativeStatus = 13
	StatusMissingTLVType        NativeStatus = 14
	StatusInvalidTotalTLVsLen   NativeStatus = 15
	StatusInvalidMatchHandle    NativeStatus = 16
	StatusInvalidTLVValue       NativeStatus = 17
	StatusInvalidTxPriority     NativeStatus = 18
	StatusInvalidConnectionMap  NativeStatus = 19
)

// Termination status codes.
const (
	TerminatedInvalid              NativeStatus = 8192
	TerminatedTimeout              NativeStatus = 8193
	TerminatedUserRequest          NativeStatus = 8194
	TerminatedFailure              NativeStatus = 8195
	TerminatedCountReached         NativeStatus = 8196
	TerminatedDEShutdown           NativeStatus = 8197
	TerminatedDisableInProgress    NativeStatus = 8198
	TerminatedPostDiscAttrExpired  NativeStatus = 8199
	TerminatedPostDiscLenExceeded  NativeStatus = 8200
	TerminatedFurtherAvailMapEmpty NativeStatus = 8201
)

var nativeStatusNames = map[NativeStatus]string{
	StatusSuccess:                  "SUCCESS",
	StatusTimeout:                  "TIMEOUT",
	StatusDEFailure:                "DE_FAILURE",
	StatusInvalidMsgVersion:        "INVALID_MSG_VERSION",
	StatusInvalidMsgLen:            "INVALID_MSG_LEN",
	StatusInvalidMsgID:             "INVALID_MSG_ID",
	StatusInvalidHandle:            "INVALID_HANDLE",
	StatusNoSpaceAvailable:         "NO_SPACE_AVAILABLE",
	StatusInvalidPublishType:       "INVALID_PUBLISH_TYPE",
	StatusInvalidTxType:            "INVALID_TX_TYPE",
	StatusInvalidMatchAlgorithm:    "INVALID_MATCH_ALGORITHM",
	StatusDisableInProgress:        "DISABLE_IN_PROGRESS",
	StatusInvalidTLVLen:            "INVALID_TLV_LEN",
	StatusInvalidTLVType:           "INVALID_TLV_TYPE",
	StatusMissingTLVType:           "MISSING_TLV_TYPE",
	StatusInvalidTotalTLVsLen:      "INVALID_TOTAL_TLVS_LEN",
	StatusInvalidMatchHandle:       "INVALID_MATCH_HANDLE",
	StatusInvalidTLVValue:          "INVALID_TLV_VALUE",
	StatusInvalidTxPriority:        "INVALID_TX_PRIORITY",
	StatusInvalidConnectionMap:     "INVALID_CONNECTION_MAP",
	TerminatedInvalid:              "TERMINATED_INVALID",
	TerminatedTimeout:              "TERMINATED_TIMEOUT",
	TerminatedUserRequest:          "TERMINATED_USER_REQUEST",
	TerminatedFailure:              "TERMINATED_FAILURE",
	TerminatedCountReached:         "TERMINATED_COUNT_REACHED",
	TerminatedDEShutdown:           "TERMINATED_DE_SHUTDOWN",
	TerminatedDisableInProgress:    "TERMINATED_DISABLE_IN_PROGRESS",
	TerminatedPostDiscAttrExpired:  "TERMINATED_POST_DISC_ATTR_EXPIRED",
	TerminatedPostDiscLenExceeded:  "TERMINATED_POST_DISC_LEN_EXCEEDED",
	TerminatedFurtherAvailMapEmpty: "TERMINATED_FURTHER_AVAIL_MAP_EMPTY",
}

func (s NativeStatus) String() string {
	if name, ok := nativeStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("NativeStatus(%d)", int(s))
}

// FailReason is the public reason delivered with fail callbacks.
type FailReason int

const (
	FailReasonNoResources FailReason = iota
	FailReasonInvalidArgs
	FailReasonNoMatchSession
	FailReasonOther
)

func (r FailReason) String() string {
	switch r {
	case FailReasonNoResources:
		return "no-resources"
	case FailReasonInvalidArgs:
		return "invalid-args"
	case FailReasonNoMatchSession:
		return "no-match-session"
	case FailReasonOther:
		return "other"
	default:
		return fmt.Sprintf("FailReason(%d)", int(r))
	}
}

// TerminateReason is the public reason delivered with terminate callbacks.
type TerminateReason int

const (
	TerminateReasonDone TerminateReason = iota
	TerminateReasonFail
)

func (r TerminateReason) String() string {
	switch r {
	case TerminateReasonDone:
		return "done"
	case TerminateReasonFail:
		return "fail"
	default:
		return fmt.Sprintf("TerminateReason(%d)", int(r))
	}
}

// TranslateFailReason maps a native status to the public fail reason. The
// mapping is total; unknown codes become FailReasonOther.
func TranslateFailReason(status NativeStatus) FailReason {
	switch status {
	case StatusNoSpaceAvailable:
		return FailReasonNoResources
	case StatusTimeout, StatusDEFailure, StatusDisableInProgress:
		return FailReasonOther
	case StatusInvalidMsgVersion, StatusInvalidMsgLen, StatusInvalidMsgID,
		StatusInvalidHandle, StatusInvalidPublishType, StatusInvalidTxType,
		StatusInvalidMatchAlgorithm, StatusInvalidTLVLen, StatusInvalidTLVType,
		StatusMissingTLVType, StatusInvalidTotalTLVsLen, StatusInvalidMatchHandle,
		StatusInvalidTLVValue, StatusInvalidTxPriority, StatusInvalidConnectionMap:
		return FailReasonInvalidArgs
	default:
		log.WithField("status", status).Debug("untranslated_native_status")
		return FailReasonOther
	}
}

// TranslateTerminateReason maps a native termination status to the public
// terminate reason. Expected ends (timeout, user request, count reached) are
// Done; everything else is Fail.
func TranslateTerminateReason(status NativeStatus) TerminateReason {
	switch status {
	case TerminatedTimeout, TerminatedUserRequest, TerminatedCountReached:
		return TerminateReasonDone
	default:
		return TerminateReasonFail
	}
}

// ParseNativeStatus looks a status up by its name, e.g. "DE_FAILURE".
func ParseNativeStatus(name string) (NativeStatus, bool) {
	for s, n := range nativeStatusNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}
