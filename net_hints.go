package haywatch

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

func DefaultHintSocketSettings() *HintSocketSettings {
	return &HintSocketSettings{
		MinBackoff: 1 * time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

type HintSocketSettings struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// HintSocket listens on a server hint endpoint and nudges the watch
// subsystem to poll immediately when the server signals record churn.
// Purely an optimization: polling alone converges without it.
type HintSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	header   http.Header
	nudge    func()
	settings *HintSocketSettings
}

func NewHintSocketWithDefaults(ctx context.Context, url string, nudge func()) *HintSocket {
	return NewHintSocket(ctx, url, nil, nudge, DefaultHintSocketSettings())
}

func NewHintSocket(
	ctx context.Context,
	url string,
	header http.Header,
	nudge func(),
	settings *HintSocketSettings,
) *HintSocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &HintSocket{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		header:   header,
		nudge:    nudge,
		settings: settings,
	}
	go self.run()
	return self
}

func (self *HintSocket) run() {
	backoff := self.settings.MinBackoff
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(self.ctx, self.url, self.header)
		if err != nil {
			glog.V(1).Infof("[hints]dial err = %s, retry in %s\n", err, backoff)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, self.settings.MaxBackoff)
			continue
		}

		glog.V(2).Infof("[hints]connected %s\n", self.url)
		backoff = self.settings.MinBackoff
		self.listen(conn)
	}
}

func (self *HintSocket) listen(conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-self.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		// any message is a hint to poll now
		if _, _, err := conn.ReadMessage(); err != nil {
			glog.V(1).Infof("[hints]read err = %s\n", err)
			return
		}
		self.nudge()
	}
}

func (self *HintSocket) Close() {
	self.cancel()
}
