package boltconn

import "github.com/jroosing/hydrabolt/internal/packstream"

// ResponseHandler is one entry in a connection's FIFO response queue
// (§4.2): every client message that expects a reply pushes one, and
// fetchMessage pops the head once its reply is complete.
type ResponseHandler struct {
	Kind summaryKind

	OnRecords func(fields []any)
	OnSuccess func(metadata packstream.Map)
	OnFailure func(metadata packstream.Map)
	OnIgnored func(metadata packstream.Map)
	// OnSummary fires once, after the terminal reply (SUCCESS/FAILURE/
	// IGNORED with no has_more) has been dispatched to one of the above.
	OnSummary func()

	complete bool
}

// NewRoutingResponseHandler returns a ResponseHandler tagged for a
// ROUTE reply or a getRoutingTable procedure's RUN/PULL pair (§4.4):
// neither changes the connection's server state.
func NewRoutingResponseHandler() *ResponseHandler {
	return &ResponseHandler{Kind: summaryRoute}
}

func (h *ResponseHandler) dispatchRecord(fields []any) {
	if h.OnRecords != nil {
		h.OnRecords(fields)
	}
}

func hasMore(metadata packstream.Map) bool {
	v, ok := metadata["has_more"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (h *ResponseHandler) dispatchSuccess(metadata packstream.Map) {
	if h.OnSuccess != nil {
		h.OnSuccess(metadata)
	}
	if !hasMore(metadata) {
		h.complete = true
		if h.OnSummary != nil {
			h.OnSummary()
		}
	}
}

func (h *ResponseHandler) dispatchFailure(metadata packstream.Map) {
	if h.OnFailure != nil {
		h.OnFailure(metadata)
	}
	h.complete = true
	if h.OnSummary != nil {
		h.OnSummary()
	}
}

func (h *ResponseHandler) dispatchIgnored(metadata packstream.Map) {
	if h.OnIgnored != nil {
		h.OnIgnored(metadata)
	}
	h.complete = true
	if h.OnSummary != nil {
		h.OnSummary()
	}
}
