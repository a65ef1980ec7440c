package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var ErrInvalidToken = errors.New("invalid relay token")

type ServerSettings struct {
	TokenTtl       time.Duration
	MaxRequestSize int64
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		TokenTtl:       5 * time.Minute,
		MaxRequestSize: 4 * 1024,
		PingTimeout:    1 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: 64,
	}
}

// RoomId is the relay's name for a room. The password never leaves the token endpoint.
func RoomId(credentials Credentials) string {
	h := sha256.New()
	h.Write([]byte(credentials.Room))
	h.Write([]byte{0})
	h.Write([]byte(credentials.Password))
	return hex.EncodeToString(h.Sum(nil))
}

// Server is a development relay.
// `POST /token` issues an HS256 token for a room, and `GET /websocket?token=` joins it.
type Server struct {
	ctx      context.Context
	cancel   context.CancelFunc
	secret   []byte
	broker   Broker
	settings *ServerSettings
	router   *mux.Router
	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, secret []byte, broker Broker) *Server {
	return NewServer(ctx, secret, broker, DefaultServerSettings())
}

func NewServer(ctx context.Context, secret []byte, broker Broker, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		secret:   secret,
		broker:   broker,
		settings: settings,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/token", server.handleToken).Methods("POST")
	router.HandleFunc("/websocket", server.handleWebsocket).Methods("GET")
	server.router = router

	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) IssueToken(deviceId string, roomId string) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  deviceId,
		"room": roomId,
		"iat":  now.Unix(),
		"exp":  now.Add(self.settings.TokenTtl).Unix(),
	})
	return token.SignedString(self.secret)
}

func (self *Server) VerifyToken(tokenStr string) (deviceId string, roomId string, returnErr error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		returnErr = fmt.Errorf("%w: %w", ErrInvalidToken, err)
		return
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		returnErr = ErrInvalidToken
		return
	}
	deviceId, _ = claims["sub"].(string)
	roomId, _ = claims["room"].(string)
	if deviceId == "" || roomId == "" {
		returnErr = ErrInvalidToken
	}
	return
}

func (self *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, self.settings.MaxRequestSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var args TokenArgs
	if err := json.Unmarshal(body, &args); err != nil {
		http.Error(w, "Bad token request.", http.StatusBadRequest)
		return
	}
	credentials := Credentials{
		Room:     args.Room,
		Password: args.Password,
	}
	if credentials.IsZero() {
		http.Error(w, "Room and password are required.", http.StatusBadRequest)
		return
	}
	deviceId := args.Id
	if deviceId == "" {
		deviceId = uuid.NewString()
	}

	token, err := self.IssueToken(deviceId, RoomId(credentials))
	if err != nil {
		glog.Infof("[relay]issue token error = %s\n", err)
		http.Error(w, "Could not issue token.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(token))
}

func (self *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	deviceId, roomId, err := self.VerifyToken(r.URL.Query().Get("token"))
	if err != nil {
		glog.V(1).Infof("[relay]reject socket = %s\n", err)
		http.Error(w, "Invalid token.", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}
	self.serveSocket(ws, deviceId, roomId)
}

func (self *Server) serveSocket(ws *websocket.Conn, deviceId string, roomId string) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	enqueue := func(envelope *Envelope) {
		message, err := json.Marshal(envelope)
		if err != nil {
			return
		}
		select {
		case <-handleCtx.Done():
		case send <- message:
		default:
			glog.Infof("[relay]drop %s %s->%s\n", envelope.Type, envelope.From, deviceId)
		}
	}

	unsubscribe, err := self.broker.Subscribe(handleCtx, roomId, func(envelope *Envelope) {
		if envelope.deliversTo(deviceId) {
			enqueue(envelope)
		}
	})
	if err != nil {
		glog.Infof("[relay]subscribe %s error = %s\n", deviceId, err)
		return
	}
	defer unsubscribe()

	glog.V(1).Infof("[relay]join %s\n", deviceId)
	enqueue(&Envelope{
		Type: EnvelopeTypeSelf,
		From: deviceId,
	})
	self.publish(roomId, &Envelope{
		Type: EnvelopeTypeJoin,
		From: deviceId,
	})
	defer func() {
		glog.V(1).Infof("[relay]leave %s\n", deviceId)
		self.publish(roomId, &Envelope{
			Type: EnvelopeTypeLeave,
			From: deviceId,
		})
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[relay]->%s error = %s\n", deviceId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[relay]<-%s error = %s\n", deviceId, err)
				return
			}
			if messageType != websocket.TextMessage {
				// ping
				continue
			}

			var envelope Envelope
			if err := json.Unmarshal(message, &envelope); err != nil {
				glog.Infof("[relay]<-%s decode error = %s\n", deviceId, err)
				continue
			}
			// clients can only send messages, as themselves
			envelope.Type = EnvelopeTypeMessage
			envelope.From = deviceId
			self.publish(roomId, &envelope)
		}
	}()

	<-handleCtx.Done()
}

func (self *Server) publish(roomId string, envelope *Envelope) {
	if err := self.broker.Publish(self.ctx, roomId, envelope); err != nil {
		glog.Infof("[relay]publish %s from %s error = %s\n", envelope.Type, envelope.From, err)
	}
}
