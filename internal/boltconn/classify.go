package boltconn

import (
	"strings"

	"github.com/jroosing/hydrabolt/internal/drivererrors"
	"github.com/jroosing/hydrabolt/internal/packstream"
)

// ServerErrorFromMetadata turns a FAILURE message's metadata into a
// classified *drivererrors.ServerError (§7). Classification looks at
// the Neo.<Classification>.<Category>.<Title> code structure.
func ServerErrorFromMetadata(metadata packstream.Map) *drivererrors.ServerError {
	code, _ := metadata["code"].(string)
	message, _ := metadata["message"].(string)
	return &drivererrors.ServerError{
		Code:    code,
		Message: message,
		Class:   classifyServerCode(code),
	}
}

func classifyServerCode(code string) drivererrors.ServerErrorClass {
	parts := strings.Split(code, ".")
	if len(parts) < 3 {
		return drivererrors.ServerErrorClientError
	}
	classification, category, title := parts[1], parts[2], parts[len(parts)-1]

	switch {
	case title == "AuthorizationExpired":
		return drivererrors.ServerErrorInvalidatesAll
	case classification == "ClientError" && category == "Security":
		return drivererrors.ServerErrorSecurity
	case title == "NotALeader" || title == "ForbiddenOnReadOnlyDatabase":
		return drivererrors.ServerErrorNotALeader
	case classification == "TransientError":
		return drivererrors.ServerErrorTransient
	default:
		return drivererrors.ServerErrorClientError
	}
}
