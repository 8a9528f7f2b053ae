package mapsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

type TransportEventType int

const (
	TransportConnect TransportEventType = iota
	TransportDisconnect
	TransportConnectError
	TransportMessage
)

type TransportEvent struct {
	Type    TransportEventType
	Message []byte
	Err     error
	// `TransportConnectError`: false when the transport gave up
	Retrying bool
}

type TransportHandler func(event *TransportEvent)

// an ordered, bidirectional, message based duplex channel.
// the transport reconnects on its own and reports state changes to the handler.
// the handler must not block.
// `binary` selects binary messages for codecs that do not produce text
type Transport interface {
	Start(handler TransportHandler, binary bool)
	Send(message []byte) error
	Close()
}

type WebsocketTransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// the transport gives up when reconnecting takes longer than this. 0 means never give up
	ReconnectMaxElapsedTime time.Duration

	// appended to the url path, e.g. `/v3`
	Namespace string
	AuthJwt   string
	Header    http.Header
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		HandshakeTimeout:         5 * time.Second,
		WriteTimeout:             5 * time.Second,
		ReadTimeout:              30 * time.Second,
		PingTimeout:              10 * time.Second,
		ReconnectInitialInterval: 500 * time.Millisecond,
		ReconnectMaxInterval:     15 * time.Second,
		ReconnectMaxElapsedTime:  0,
		Namespace:                "/v3",
	}
}

type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	serverUrl string
	settings  *WebsocketTransportSettings

	stateLock  sync.Mutex
	activeSend chan []byte
	activeCtx  context.Context
}

func NewWebsocketTransportWithDefaults(ctx context.Context, serverUrl string) *WebsocketTransport {
	return NewWebsocketTransport(ctx, serverUrl, DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(ctx context.Context, serverUrl string, settings *WebsocketTransportSettings) *WebsocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebsocketTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		serverUrl: serverUrl,
		settings:  settings,
	}
}

func (self *WebsocketTransport) Start(handler TransportHandler, binary bool) {
	go self.run(handler, binary)
}

func (self *WebsocketTransport) dialUrl() (string, error) {
	u, err := url.Parse(self.serverUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if self.settings.Namespace != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + self.settings.Namespace
	}
	return u.String(), nil
}

func (self *WebsocketTransport) newReconnect() *backoff.ExponentialBackOff {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectInitialInterval
	reconnect.MaxInterval = self.settings.ReconnectMaxInterval
	reconnect.MaxElapsedTime = self.settings.ReconnectMaxElapsedTime
	reconnect.Reset()
	return reconnect
}

func (self *WebsocketTransport) run(handler TransportHandler, binary bool) {
	defer self.cancel()

	dialUrl, err := self.dialUrl()
	if err != nil {
		handler(&TransportEvent{
			Type:     TransportConnectError,
			Err:      err,
			Retrying: false,
		})
		return
	}

	reconnect := self.newReconnect()
	for {
		connect := func() (*websocket.Conn, error) {
			if self.settings.AuthJwt != "" {
				if err := CheckAuthJwtExpiry(self.settings.AuthJwt, time.Now()); err != nil {
					return nil, &ConnectionError{Err: err, fatal: true}
				}
			}

			header := http.Header{}
			for key, values := range self.settings.Header {
				header[key] = values
			}
			if self.settings.AuthJwt != "" {
				header.Set("Authorization", fmt.Sprintf("Bearer %s", self.settings.AuthJwt))
			}

			dialer := &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: self.settings.HandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, dialUrl, header)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		ws, err := TraceWithReturnError(fmt.Sprintf("[t]connect %s", dialUrl), connect)
		if err != nil {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			var delay time.Duration
			retrying := true
			if connectionErr, ok := err.(*ConnectionError); ok && connectionErr.Fatal() {
				retrying = false
			} else if delay = reconnect.NextBackOff(); delay == backoff.Stop {
				retrying = false
			}
			glog.Infof("[t]connect error %s = %s (retrying=%t)\n", dialUrl, err, retrying)
			handler(&TransportEvent{
				Type:     TransportConnectError,
				Err:      err,
				Retrying: retrying,
			})
			if !retrying {
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		reconnect.Reset()
		err = self.serve(ws, handler, binary)
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		glog.Infof("[t]disconnect %s = %s\n", dialUrl, err)
		handler(&TransportEvent{
			Type: TransportDisconnect,
			Err:  err,
		})

		delay := reconnect.NextBackOff()
		if delay == backoff.Stop {
			handler(&TransportEvent{
				Type:     TransportConnectError,
				Err:      err,
				Retrying: false,
			})
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runs the read and write loops of one connection until either fails
func (self *WebsocketTransport) serve(ws *websocket.Conn, handler TransportHandler, binary bool) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, TransportBufferSize)

	self.stateLock.Lock()
	self.activeSend = send
	self.activeCtx = handleCtx
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.activeCtx == handleCtx {
			self.activeSend = nil
			self.activeCtx = nil
		}
	}()

	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}

	var errLock sync.Mutex
	var serveErr error
	setErr := func(err error) {
		errLock.Lock()
		defer errLock.Unlock()
		if serveErr == nil {
			serveErr = err
		}
	}

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	handler(&TransportEvent{
		Type: TransportConnect,
	})

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(messageType, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					setErr(err)
					return
				}
				glog.V(LogLevelTrace).Infof("[ts]-> %d bytes\n", len(message))
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					setErr(err)
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
			readMessageType, message, err := ws.ReadMessage()
			if err != nil {
				setErr(err)
				return
			}

			switch readMessageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				glog.V(LogLevelTrace).Infof("[tr]<- %d bytes\n", len(message))
				handler(&TransportEvent{
					Type:    TransportMessage,
					Message: message,
				})
			default:
				glog.V(LogLevelTrace).Infof("[tr]other=%d<-\n", readMessageType)
			}
		}
	}()

	<-handleCtx.Done()

	errLock.Lock()
	defer errLock.Unlock()
	if serveErr == nil {
		return ErrDisconnected
	}
	return serveErr
}

func (self *WebsocketTransport) Send(message []byte) error {
	self.stateLock.Lock()
	send := self.activeSend
	activeCtx := self.activeCtx
	self.stateLock.Unlock()

	if send == nil {
		return ErrDisconnected
	}

	select {
	case <-activeCtx.Done():
		return ErrDisconnected
	case send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("Send timeout.")
	}
}

func (self *WebsocketTransport) Close() {
	self.cancel()
}
