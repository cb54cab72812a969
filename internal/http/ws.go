package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/campus-transit/internal/dispatch"
	"github.com/example/campus-transit/internal/feed"
	"github.com/example/campus-transit/internal/lifecycle"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/session"
)

// Messages pushed to websocket clients.
type feedMessage struct {
	Type         string           `json:"type"`
	Online       bool             `json:"online"`
	Reconnecting bool             `json:"reconnecting"`
	Requests     []models.Request `json:"requests"`
}

type acceptResult struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Claimed bool            `json:"claimed"`
	Request *models.Request `json:"request,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type stateMessage struct {
	Type            string         `json:"type"`
	Phase           session.Phase  `json:"phase"`
	Cancelled       bool           `json:"cancelled"`
	Reconnecting    bool           `json:"reconnecting"`
	DurationMinutes int            `json:"durationMinutes"`
	Estimated       bool           `json:"estimated"`
	Request         models.Request `json:"request"`
}

// clientMessage is what clients send: {"type":"accept","id":"..."} on a
// feed, {"type":"cancel"} or {"type":"state"} on a request session.
type clientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	agentID := vars["agent_id"]
	kind := models.Kind(strings.ToUpper(vars["kind"]))
	if !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown kind"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	key := "agent:" + agentID + ":" + string(kind)
	ws := s.WSReg.Add(key, conn)
	defer s.WSReg.Remove(key, ws)
	defer ws.Close()

	f := feed.New(s.Store, s.Lifecycle, agentID, kind, s.logger)
	if err := f.GoOnline(r.Context()); err != nil {
		s.logger.Error("feed subscribe failed", "agent_id", agentID, "error", err)
		return
	}
	defer f.GoOffline()

	pumpDone := make(chan struct{})
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer func() {
		cancel()
		<-pumpDone
	}()
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-f.Views():
				if err := s.WSReg.Send(key, feedMessage{Type: "feed", Online: v.Online, Reconnecting: v.Reconnecting, Requests: v.Requests}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "accept" {
			if err := s.WSReg.Send(key, acceptResult{Type: "error", ID: msg.ID, Error: "unknown message type"}); err != nil {
				return
			}
			continue
		}
		req, claimed, err := f.Accept(ctx, msg.ID)
		res := acceptResult{Type: "accept_result", ID: msg.ID, Claimed: claimed}
		switch {
		case err != nil && errors.Is(err, lifecycle.ErrNotFound):
			res.Error = "request not found"
		case errors.Is(err, feed.ErrWrongKind):
			res.Error = "request is not a " + strings.ToLower(string(kind))
		case err != nil:
			res.Error = err.Error()
		case !claimed:
			res.Error = jobUnavailable
		default:
			res.Request = &req
		}
		if err := s.WSReg.Send(key, res); err != nil {
			return
		}
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	requesterID := r.Header.Get(headerRequester)
	if requesterID == "" {
		requesterID = r.URL.Query().Get("requester_id")
	}
	sess, err := session.Watch(r.Context(), s.Store, id, s.logger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sess.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	key := "request:" + id + ":" + uuid.NewString()
	ws := s.WSReg.Add(key, conn)
	defer s.WSReg.Remove(key, ws)
	defer ws.Close()

	go s.readSessionCommands(r.Context(), sess, key, conn, requesterID)

	for st := range sess.States() {
		if err := s.WSReg.Send(key, toStateMessage(st)); err != nil {
			return
		}
	}
}

func (s *Server) readSessionCommands(ctx context.Context, sess *session.Session, key string, conn *websocket.Conn, requesterID string) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			sess.Close()
			return
		}
		var reply any
		switch msg.Type {
		case "cancel":
			if _, err := sess.Cancel(context.WithoutCancel(ctx), s.Lifecycle, requesterID); err != nil {
				reply = acceptResult{Type: "error", Error: err.Error()}
			}
		case "state":
			reply = toStateMessage(sess.Last())
		default:
			reply = acceptResult{Type: "error", Error: "unknown message type"}
		}
		if reply == nil {
			continue
		}
		if err := s.WSReg.Send(key, reply); errors.Is(err, dispatch.ErrNoSession) {
			return
		}
	}
}

func toStateMessage(st session.State) stateMessage {
	return stateMessage{
		Type:            "state",
		Phase:           st.Phase,
		Cancelled:       st.Cancelled,
		Reconnecting:    st.Reconnecting,
		DurationMinutes: st.DurationMinutes,
		Estimated:       st.Estimated,
		Request:         st.Request,
	}
}
