package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/duckduckfit/docsync/repo"
)

var ErrNotConnected = errors.New("relay not connected")
var ErrClosed = errors.New("relay closed")

type MessageFunction = func(from string, payload json.RawMessage)
type EnvelopeFunction = func(envelope *Envelope)

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	// the token fetch is part of each connect
	ConnectTimeout time.Duration
	// a new connect never starts sooner than this after the previous one
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	SendBufferSize       int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout:   2 * time.Second,
		ConnectTimeout:       10 * time.Second,
		MinReconnectInterval: 1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		PingTimeout:          1 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		SendBufferSize:       32,
	}
}

// Client keeps one websocket to the relay open for a (room, password, device id).
// A fresh token is requested before each dial.
// Client is the `p2p.Signaling` used in production.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl       string
	tokens      TokenProvider
	credentials Credentials
	deviceId    string
	settings    *ClientSettings

	stateLock sync.Mutex
	// nil while disconnected
	send       chan []byte
	sendCtx    context.Context
	connectGen uint64

	messageCallbacks  *repo.CallbackList[MessageFunction]
	envelopeCallbacks *repo.CallbackList[EnvelopeFunction]
}

func NewClientWithDefaults(
	ctx context.Context,
	wsUrl string,
	tokens TokenProvider,
	credentials Credentials,
	deviceId string,
) *Client {
	return NewClient(ctx, wsUrl, tokens, credentials, deviceId, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	wsUrl string,
	tokens TokenProvider,
	credentials Credentials,
	deviceId string,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:               cancelCtx,
		cancel:            cancel,
		wsUrl:             wsUrl,
		tokens:            tokens,
		credentials:       credentials,
		deviceId:          deviceId,
		settings:          settings,
		messageCallbacks:  repo.NewCallbackList[MessageFunction](),
		envelopeCallbacks: repo.NewCallbackList[EnvelopeFunction](),
	}
	go client.run()
	return client
}

func (self *Client) DeviceId() string {
	return self.deviceId
}

func (self *Client) Credentials() Credentials {
	return self.credentials
}

func (self *Client) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.send != nil
}

// AddMessageCallback receives the payload of each `message` envelope addressed to this device.
func (self *Client) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

// AddEnvelopeCallback receives every envelope, including `self`, `join` and `leave`.
func (self *Client) AddEnvelopeCallback(callback EnvelopeFunction) func() {
	return self.envelopeCallbacks.Add(callback)
}

// Send relays `payload` to device `to`, or to the whole room when `to` is empty.
// Messages are not queued across reconnects.
func (self *Client) Send(to string, payload json.RawMessage) error {
	if self.ctx.Err() != nil {
		return ErrClosed
	}
	message, err := json.Marshal(&Envelope{
		Type:    EnvelopeTypeMessage,
		To:      to,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	send := self.send
	sendCtx := self.sendCtx
	self.stateLock.Unlock()

	if send == nil {
		select {
		case <-self.ctx.Done():
			return ErrClosed
		default:
			return ErrNotConnected
		}
	}

	select {
	case <-self.ctx.Done():
		return ErrClosed
	case <-sendCtx.Done():
		return ErrNotConnected
	case send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("relay send to %s timeout", to)
	}
}

func (self *Client) Close() {
	self.cancel()
}

func (self *Client) dialUrl(token string) (string, error) {
	u, err := url.Parse(self.wsUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *Client) run() {
	defer self.cancel()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.MinReconnectInterval
	reconnect.MaxInterval = self.settings.MaxReconnectInterval
	// retry until closed
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	for {
		connectTime := time.Now()

		connect := func() (*websocket.Conn, error) {
			connectCtx, connectCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
			defer connectCancel()

			token, err := self.tokens.Token(connectCtx, self.credentials, self.deviceId)
			if err != nil {
				return nil, err
			}
			dialUrl, err := self.dialUrl(token)
			if err != nil {
				return nil, err
			}

			dialer := &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, r, err := dialer.DialContext(connectCtx, dialUrl, nil)
			if err != nil {
				if r != nil && (r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden) {
					self.tokens.Invalidate(self.credentials, self.deviceId)
				}
				return nil, err
			}
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = repo.TraceWithReturnError(fmt.Sprintf("[relay]connect %s", self.deviceId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[relay]connect %s error = %s\n", self.deviceId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(reconnect.NextBackOff()):
				continue
			}
		}
		reconnect.Reset()

		self.serve(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(max(0, self.settings.MinReconnectInterval-time.Since(connectTime))):
		}
		glog.Infof("[relay]reconnect %s\n", self.deviceId)
	}
}

func (self *Client) serve(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.connectGen += 1
	connectGen := self.connectGen
	self.send = send
	self.sendCtx = handleCtx
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connectGen == connectGen {
			self.send = nil
			self.sendCtx = nil
		}
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
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[relay]%s-> error = %s\n", self.deviceId, err)
					return
				}
				glog.V(2).Infof("[relay]%s->\n", self.deviceId)
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
				glog.Infof("[relay]%s<- error = %s\n", self.deviceId, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					glog.V(2).Infof("[relay]ping %s<-\n", self.deviceId)
					continue
				}
				glog.V(2).Infof("[relay]drop binary %s<-\n", self.deviceId)
			case websocket.TextMessage:
				var envelope Envelope
				if err := json.Unmarshal(message, &envelope); err != nil {
					glog.Infof("[relay]%s<- decode error = %s\n", self.deviceId, err)
					continue
				}
				self.receive(&envelope)
			}
		}
	}()

	<-handleCtx.Done()
}

func (self *Client) receive(envelope *Envelope) {
	glog.V(2).Infof("[relay]%s %s<-%s\n", envelope.Type, self.deviceId, envelope.From)

	for _, callback := range self.envelopeCallbacks.Get() {
		repo.HandleError(func() {
			callback(envelope)
		})
	}
	if envelope.Type != EnvelopeTypeMessage {
		return
	}
	for _, callback := range self.messageCallbacks.Get() {
		repo.HandleError(func() {
			callback(envelope.From, envelope.Payload)
		})
	}
}
