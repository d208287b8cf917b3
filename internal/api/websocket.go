package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/auth"
	"eddisonso.com/litfinder/internal/coordinator"
	"eddisonso.com/litfinder/internal/filter"
	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/markers"
	"eddisonso.com/litfinder/internal/metrics"
	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/party"
	"eddisonso.com/litfinder/internal/presence"
	"eddisonso.com/litfinder/internal/selection"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
	maxFrameSize = 64 * 1024
)

// HandleLive upgrades to a websocket and runs one coordinator for the
// connection. A token on the request signs the session in immediately;
// without one the client may send an auth frame later.
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	var user *auth.User
	if token := auth.GetSessionToken(r); token != "" {
		u, err := h.validator.Validate(token)
		if err != nil {
			writeError(w, apperr.UserMessage(err), http.StatusUnauthorized)
			return
		}
		user = u
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := newSession(conn, h.validator)
	s.coord = coordinator.New(ctx, h.store, s, s, h.sessions)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	slog.Info("ws connected", "remote", r.RemoteAddr)

	go s.writeLoop()

	if err := s.coord.Start(); err != nil {
		slog.Error("start live session", "error", err)
		s.sendError(err)
		s.close()
		return
	}
	if user != nil {
		if err := s.coord.SessionChanged(ctx, user); err != nil {
			s.sendError(err)
		}
	}

	s.readLoop(ctx)

	s.coord.Close()
	s.close()
	slog.Info("ws disconnected", "remote", r.RemoteAddr)
}

// session is one websocket client. It is the coordinator's view, its map
// layer and its geolocation device.
type session struct {
	conn      *websocket.Conn
	validator *auth.Validator
	coord     *coordinator.Coordinator

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	pins     atomic.Int64
	pinMu    sync.Mutex
	batching bool
	pending  []markerOp

	devMu   sync.Mutex
	watchID presence.WatchID
	onFix   func(presence.Fix)
	onErr   func(error)
}

func newSession(conn *websocket.Conn, validator *auth.Validator) *session {
	return &session{
		conn:      conn,
		validator: validator,
		out:       make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// send queues a frame without blocking. A client that cannot keep up is
// disconnected.
func (s *session) send(typ string, data any) {
	b, err := json.Marshal(WSMessage{Type: typ, Data: data})
	if err != nil {
		slog.Error("failed to marshal ws message", "type", typ, "error", err)
		return
	}
	select {
	case <-s.done:
	case s.out <- b:
	default:
		slog.Warn("ws send buffer full, closing connection", "type", typ)
		s.close()
	}
}

func (s *session) sendError(err error) {
	s.send(outError, messageData{Message: apperr.UserMessage(err)})
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case b := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				slog.Debug("failed to write ws message", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(apperr.Validation("read frame", "malformed message"))
			continue
		}
		if err := s.dispatch(ctx, msg); err != nil {
			s.sendError(err)
		}
	}
}

func decode[T any](msg inbound) (T, error) {
	var v T
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return v, apperr.Validation(msg.Type, fmt.Sprintf("malformed %s data", msg.Type))
	}
	return v, nil
}

func (s *session) dispatch(ctx context.Context, msg inbound) error {
	c := s.coord
	switch msg.Type {
	case inAuth:
		d, err := decode[authData](msg)
		if err != nil {
			return err
		}
		u, err := s.validator.Validate(d.Token)
		if err != nil {
			return err
		}
		return c.SessionChanged(ctx, u)

	case inLogout:
		return c.SessionChanged(ctx, nil)

	case inFilter:
		d, err := decode[filterData](msg)
		if err != nil {
			return err
		}
		spec, err := d.spec()
		if err != nil {
			return err
		}
		c.SetFilter(spec)
		return nil

	case inSearch:
		d, err := decode[searchData](msg)
		if err != nil {
			return err
		}
		c.SetSearchTerm(d.Term)
		return nil

	case inSelect:
		d, err := decode[selectData](msg)
		if err != nil {
			return err
		}
		// Selection fetches run concurrently so a newer select can
		// supersede a slow one.
		go func() {
			if _, err := c.Select(ctx, d.ID); err != nil && !errors.Is(err, selection.ErrSuperseded) {
				s.sendError(err)
			}
		}()
		return nil

	case inClear:
		c.ClearSelection()
		return nil

	case inChat:
		d, err := decode[chatData](msg)
		if err != nil {
			return err
		}
		return c.SendChatMessage(ctx, d.Text)

	case inJoin:
		return c.Join(ctx)

	case inPromoteRequest:
		return c.RequestPromotion(ctx)

	case inReport:
		d, err := decode[reportData](msg)
		if err != nil {
			return err
		}
		return c.Report(ctx, d.Reason)

	case inTogglePromoted:
		on, err := c.TogglePromoted(ctx)
		if err != nil {
			return err
		}
		s.send(outPromoted, map[string]bool{"promoted": on})
		return nil

	case inCreate:
		d, err := decode[party.Draft](msg)
		if err != nil {
			return err
		}
		id, err := c.CreateEvent(ctx, d)
		if err != nil {
			return err
		}
		s.send(outCreated, selectData{ID: id})
		return nil

	case inUpdate:
		d, err := decode[updateData](msg)
		if err != nil {
			return err
		}
		return c.UpdateEvent(ctx, d.ID, d.Draft)

	case inDelete:
		return c.DeleteSelected(ctx)

	case inHostPrompt:
		text, err := c.HostPrompt()
		if err != nil {
			return err
		}
		s.send(outHostPrompt, map[string]string{"text": text})
		return nil

	case inPosition:
		d, err := decode[presence.Fix](msg)
		if err != nil {
			return err
		}
		s.deliverFix(d)
		return nil

	case inPositionError:
		d, err := decode[positionErrorData](msg)
		if err != nil {
			return err
		}
		s.deliverError(apperr.DeviceUnavailable("watch position", errors.New(d.Message)))
		return nil

	default:
		return apperr.Validation("read frame", "unknown message type "+strconv.Quote(msg.Type))
	}
}

func (d filterData) spec() (filter.Spec, error) {
	spec := filter.Spec{
		Promoted: d.Promoted,
		Mine:     d.Mine,
		Upcoming: d.Upcoming,
		Nearby:   d.Nearby,
		RadiusKm: d.RadiusKm,
	}
	lat, hasLat := d.Lat.Get()
	lng, hasLng := d.Lng.Get()
	if hasLat != hasLng {
		return filter.Spec{}, apperr.Validation("filter", "latitude and longitude go together")
	}
	if hasLat {
		spec.Origin = model.Some(geo.Point{Lat: lat, Lng: lng})
	}
	return spec, nil
}

// View.

func (s *session) ShowEvents(events []model.Event) {
	if events == nil {
		events = []model.Event{}
	}
	s.send(outEvents, events)
}

func (s *session) ShowDetail(d *coordinator.Detail) {
	if d == nil {
		s.send(outSelected, nil)
		return
	}
	s.send(outSelected, d)
}

func (s *session) ShowTranscript(eventID string, messages []model.ChatMessage) {
	if messages == nil {
		messages = []model.ChatMessage{}
	}
	s.send(outTranscript, transcriptData{EventID: eventID, Messages: messages})
}

func (s *session) ShowChatError(eventID, message string) {
	s.send(outChatError, chatErrorData{EventID: eventID, Message: message})
}

func (s *session) ShowViewer(p *model.Profile) {
	if p == nil {
		s.send(outViewer, nil)
		return
	}
	s.send(outViewer, viewerData{Profile: *p, Host: p.IsHost()})
}

func (s *session) Notice(message string) {
	s.send(outNotice, messageData{Message: message})
}

// markers.Layer.

type pin struct {
	s  *session
	id string
}

// Batch collects the pin operations made by fn into one markers frame.
// Nested batches join the outer one.
func (s *session) Batch(fn func()) {
	s.pinMu.Lock()
	if s.batching {
		s.pinMu.Unlock()
		fn()
		return
	}
	s.batching = true
	s.pinMu.Unlock()

	fn()

	s.pinMu.Lock()
	ops := s.pending
	s.pending = nil
	s.batching = false
	s.pinMu.Unlock()
	if len(ops) > 0 {
		s.send(outMarkers, markersData{Ops: ops})
	}
}

func (s *session) pinOp(op markerOp) {
	s.pinMu.Lock()
	if s.batching {
		s.pending = append(s.pending, op)
		s.pinMu.Unlock()
		return
	}
	s.pinMu.Unlock()
	s.send(outMarkers, markersData{Ops: []markerOp{op}})
}

func (s *session) Place(m markers.Marker) markers.Pin {
	p := &pin{s: s, id: "p" + strconv.FormatInt(s.pins.Add(1), 10)}
	s.pinOp(markerOp{
		Op:    opAdd,
		Pin:   p.id,
		Kind:  m.Kind,
		ID:    m.ID,
		Lat:   m.Point.Lat,
		Lng:   m.Point.Lng,
		Label: m.Label,
		Popup: m.Popup,
	})
	return p
}

func (p *pin) Move(pt geo.Point) {
	p.s.pinOp(markerOp{Op: opMove, Pin: p.id, Lat: pt.Lat, Lng: pt.Lng})
}

func (p *pin) Remove() {
	p.s.pinOp(markerOp{Op: opRemove, Pin: p.id})
}

// presence.Device. The browser runs the actual geolocation watch and
// streams position frames back.

func (s *session) WatchPosition(onFix func(presence.Fix), onErr func(error), opts presence.WatchOptions) (presence.WatchID, error) {
	s.devMu.Lock()
	s.watchID++
	id := s.watchID
	s.onFix, s.onErr = onFix, onErr
	s.devMu.Unlock()

	s.send(outWatch, watchData{
		WatchID:      int64(id),
		HighAccuracy: opts.HighAccuracy,
		MaximumAgeMs: opts.MaximumAge.Milliseconds(),
		TimeoutMs:    opts.Timeout.Milliseconds(),
	})
	return id, nil
}

func (s *session) ClearWatch(id presence.WatchID) {
	s.devMu.Lock()
	if id != s.watchID {
		s.devMu.Unlock()
		return
	}
	s.onFix, s.onErr = nil, nil
	s.devMu.Unlock()

	s.send(outClearWatch, map[string]int64{"watchId": int64(id)})
}

func (s *session) deliverFix(f presence.Fix) {
	s.devMu.Lock()
	fn := s.onFix
	s.devMu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (s *session) deliverError(err error) {
	s.devMu.Lock()
	fn := s.onErr
	s.devMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
