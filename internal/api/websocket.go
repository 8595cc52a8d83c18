package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/banshee-data/scg.report/internal/session"
	"github.com/banshee-data/scg.report/internal/stream"
)

// websocket attaches a capture device or viewer to a live session. Uploaded
// samples_batch messages are ingested; anything else is answered with an
// error reply and the connection stays open.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}

	ws, err := stream.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		log.Printf("ws %s: upgrade failed: %v", id, err)
		return
	}
	conn := stream.Accept(ws, nil)
	defer conn.Close()

	ctx := r.Context()
	peerID, err := s.manager.Join(ctx, id, conn)
	if errors.Is(err, session.ErrAlreadyEnded) {
		conn.Send(stream.TypeSessionEnded, nil)
		return
	}
	if err != nil {
		log.Printf("ws %s: join failed: %v", id, err)
		replyError(conn, "Could not join session", err)
		return
	}
	defer s.manager.Leave(id, peerID)
	log.Printf("ws %s: peer %s connected", id, peerID)

	err = conn.ReadLoop(ctx, func(data []byte) {
		s.ingest(ctx, conn, id, peerID, data)
	})
	if err != nil {
		log.Printf("ws %s: peer %s: %v", id, peerID, err)
	}
	log.Printf("ws %s: peer %s disconnected", id, peerID)
}

func (s *Server) ingest(ctx context.Context, conn *stream.Conn, id, peerID string, data []byte) {
	env, err := stream.Decode(data)
	if err != nil {
		replyError(conn, "Invalid message format", err)
		return
	}
	if env.Type != stream.TypeSamplesBatch {
		replyError(conn, "Invalid message format", fmt.Errorf("unsupported message type %q", env.Type))
		return
	}
	samples, err := stream.ParseUpload(env.Payload)
	if err != nil {
		replyError(conn, "Invalid message format", err)
		return
	}
	if err := s.manager.Ingest(ctx, id, peerID, samples); err != nil {
		if errors.Is(err, session.ErrAlreadyEnded) {
			replyError(conn, "Session has already ended", nil)
			return
		}
		log.Printf("ws %s: ingest failed: %v", id, err)
		replyError(conn, "Could not store samples", nil)
	}
}

func replyError(conn *stream.Conn, msg string, cause error) {
	reply := stream.ErrorReply{Error: msg}
	if cause != nil {
		reply.Details = cause.Error()
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := conn.SendRaw(data); err != nil {
		log.Printf("ws: error reply not sent: %v", err)
	}
}
