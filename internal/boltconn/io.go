package boltconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/jroosing/hydrabolt/internal/drivererrors"
	"github.com/jroosing/hydrabolt/internal/packstream"
)

// send encodes msg and appends it to the outbox, queuing handler at the
// tail of the FIFO response queue. It does not flush; call flush or
// fetchAll-adjacent senders explicitly (§4.2 "append-only to the
// outbox").
func (c *Connection) send(msg packstream.Structure, handler *ResponseHandler) error {
	enc := packstream.NewEncoder()
	if err := enc.Encode(msg); err != nil {
		return &drivererrors.ProtocolError{Reason: fmt.Sprintf("encode message: %v", err)}
	}
	if err := c.writer.WriteMessage(enc.Bytes()); err != nil {
		c.markDefunct(err)
		return err
	}
	if handler != nil {
		if handler.Kind == summaryHello && msg.Tag != TagHello {
			switch msg.Tag {
			case TagRun:
				handler.Kind = summaryAutoCommitRun
			case TagBegin:
				handler.Kind = summaryBegin
			case TagPull, TagDiscard:
				handler.Kind = summaryPullOrDiscard
			case TagCommit, TagRollback:
				handler.Kind = summaryCommitOrRollback
			}
		}
		c.responses.PushBack(handler)
	}
	return nil
}

// flush pushes any buffered outbox bytes onto the socket (§4.2
// "send_all() flushes").
func (c *Connection) flush() error {
	if err := c.bufOut.Flush(); err != nil {
		c.markDefunct(err)
		return err
	}
	return nil
}

// fetchMessage reads exactly one server message and dispatches it to
// the head-of-queue response handler, popping it once its reply is
// complete (§4.2). A malformed or unexpected message marks the
// connection defunct.
func (c *Connection) fetchMessage() (err error) {
	defer func() {
		var pe *drivererrors.ProtocolError
		if errors.As(err, &pe) {
			c.markDefunct(err)
		}
	}()
	if err := c.flush(); err != nil {
		return err
	}
	if c.recvTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.recvTimeout))
	}
	raw, err := c.reader.ReadMessage()
	if err != nil {
		c.markDefunct(err)
		return err
	}
	dec := packstream.NewDecoder(raw)
	v, err := dec.Decode()
	if err != nil {
		return &drivererrors.ProtocolError{Reason: fmt.Sprintf("decode message: %v", err)}
	}
	s, ok := v.(packstream.Structure)
	if !ok {
		return &drivererrors.ProtocolError{Reason: "top-level message was not a structure"}
	}

	front := c.responses.Front()
	if front == nil {
		return &drivererrors.ProtocolError{Reason: "received a message with no pending response handler"}
	}
	handler := front.Value.(*ResponseHandler)

	switch s.Tag {
	case TagRecord:
		var fields []any
		if len(s.Fields) > 0 {
			if list, ok := s.Fields[0].([]any); ok {
				fields = list
			}
		}
		handler.dispatchRecord(fields)
	case TagSuccess:
		metadata, err := asMap(s.Fields)
		if err != nil {
			return err
		}
		handler.dispatchSuccess(metadata)
		c.state = c.state.advance(handler.Kind, hasMore(metadata))
	case TagFailure:
		metadata, err := asMap(s.Fields)
		if err != nil {
			return err
		}
		handler.dispatchFailure(metadata)
		c.state = c.state.onFailure()
	case TagIgnored:
		metadata := packstream.Map{}
		if len(s.Fields) > 0 {
			if m, ok := s.Fields[0].(packstream.Map); ok {
				metadata = m
			}
		}
		handler.dispatchIgnored(metadata)
	default:
		return &drivererrors.ProtocolError{Reason: fmt.Sprintf("unexpected response tag 0x%02x", s.Tag)}
	}

	if handler.complete {
		c.responses.Remove(front)
	}
	return nil
}

func asMap(fields []any) (packstream.Map, error) {
	if len(fields) == 0 {
		return packstream.Map{}, nil
	}
	m, ok := fields[0].(packstream.Map)
	if !ok {
		return nil, &drivererrors.ProtocolError{Reason: "expected a metadata map field"}
	}
	return m, nil
}

// fetchAll loops fetchMessage until handler's reply is complete.
func (c *Connection) fetchAll(handler *ResponseHandler) error {
	for !handler.complete {
		if err := c.fetchMessage(); err != nil {
			return err
		}
	}
	return nil
}

// markDefunct marks the connection dead on a transport error and
// surfaces IncompleteCommit for any outstanding COMMIT or ROLLBACK
// (§4.2).
func (c *Connection) markDefunct(cause error) {
	if c.Defunct {
		return
	}
	c.Defunct = true
	c.conn.Close()

	for e := c.responses.Front(); e != nil; e = e.Next() {
		handler := e.Value.(*ResponseHandler)
		if handler.Kind == summaryCommitOrRollback && !handler.complete {
			handler.complete = true
			if handler.OnFailure != nil {
				handler.OnFailure(packstream.Map{
					"code":    "",
					"message": (&drivererrors.IncompleteCommitError{Cause: cause}).Error(),
				})
			}
		}
	}
	c.log.Warn("connection defunct", "err", cause)
}

// Reset performs best-effort state truncation: enqueue RESET, flush,
// drain until its own reply, delivering IGNORED to anything still
// pending ahead of it (§4.2).
func (c *Connection) Reset() error {
	for e := c.responses.Front(); e != nil; {
		next := e.Next()
		handler := e.Value.(*ResponseHandler)
		if !handler.complete {
			handler.dispatchIgnored(packstream.Map{})
		}
		c.responses.Remove(e)
		e = next
	}

	var resetErr error
	handler := &ResponseHandler{
		Kind: summaryReset,
		OnFailure: func(metadata packstream.Map) {
			resetErr = ServerErrorFromMetadata(metadata)
		},
	}
	if err := c.send(resetMessage(), handler); err != nil {
		return err
	}
	if err := c.fetchAll(handler); err != nil {
		return err
	}
	if resetErr != nil {
		return resetErr
	}
	c.state = c.state.advance(summaryReset, false)
	c.mostRecentQID = 0
	return nil
}

// Close sends GOODBYE best-effort and closes the transport.
func (c *Connection) Close() error {
	if c.Defunct {
		return nil
	}
	_ = c.send(goodbyeMessage(), nil)
	_ = c.flush()
	c.Defunct = true
	return c.conn.Close()
}

// State returns the connection's current server state.
func (c *Connection) State() ServerState { return c.state }

// Dialect returns the negotiated dialect.
func (c *Connection) Dialect() *Dialect { return c.dialect }
