package mqtt

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type publishCall struct {
	topic   string
	qos     byte
	payload interface{}
}

type stubPahoClient struct {
	mu              sync.Mutex
	connectToken    paho.Token
	publishToken    func() paho.Token
	subscribeFn     func(string, byte, paho.MessageHandler) paho.Token
	subscribeCalls  int
	subscribeTopics []string
	publishes       []publishCall
	isOpen          bool
	disconnectCalls int
	outstanding     []*stubToken
}

func (s *stubPahoClient) IsConnected() bool { return s.isOpen }

func (s *stubPahoClient) IsConnectionOpen() bool { return s.isOpen }

func (s *stubPahoClient) Connect() paho.Token {
	if s.connectToken != nil {
		return s.connectToken
	}
	return &stubToken{waitTimeoutResult: true}
}

// Disconnect fails every publish token that has not completed, as paho does
// when it cleans up its message ids.
func (s *stubPahoClient) Disconnect(uint) {
	s.mu.Lock()
	outstanding := s.outstanding
	s.outstanding = nil
	s.mu.Unlock()

	s.disconnectCalls++
	s.isOpen = false
	for _, token := range outstanding {
		token.complete(errors.New("connection lost before Publish completed"))
	}
}

func (s *stubPahoClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	s.mu.Lock()
	s.publishes = append(s.publishes, publishCall{topic: topic, qos: qos, payload: payload})
	s.mu.Unlock()
	if s.publishToken != nil {
		token := s.publishToken()
		if st, ok := token.(*stubToken); ok && st.done != nil {
			s.mu.Lock()
			s.outstanding = append(s.outstanding, st)
			s.mu.Unlock()
		}
		return token
	}
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	s.subscribeCalls++
	s.subscribeTopics = append(s.subscribeTopics, topic)
	if s.subscribeFn != nil {
		return s.subscribeFn(topic, qos, nil)
	}
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Unsubscribe(...string) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) AddRoute(string, paho.MessageHandler) {}

func (s *stubPahoClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func (s *stubPahoClient) published() []publishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishCall(nil), s.publishes...)
}

// stubToken completes immediately unless done is set, in which case it
// completes when done is closed.
type stubToken struct {
	waitTimeoutResult bool
	err               error
	done              chan struct{}
	once              sync.Once
}

// complete finishes a pending token with err.
func (t *stubToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *stubToken) Wait() bool {
	if t.done != nil {
		<-t.done
	}
	return t.waitTimeoutResult
}

func (t *stubToken) WaitTimeout(time.Duration) bool {
	return t.waitTimeoutResult
}

func (t *stubToken) Done() <-chan struct{} {
	if t.done != nil {
		return t.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *stubToken) Error() error {
	return t.err
}

type stubMessage struct {
	topic     string
	payload   []byte
	duplicate bool

	mu    sync.Mutex
	acked int
}

func (m *stubMessage) Duplicate() bool   { return m.duplicate }
func (m *stubMessage) Qos() byte         { return 1 }
func (m *stubMessage) Retained() bool    { return false }
func (m *stubMessage) Topic() string     { return m.topic }
func (m *stubMessage) MessageID() uint16 { return 1 }
func (m *stubMessage) Payload() []byte   { return m.payload }

func (m *stubMessage) Ack() {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
}

func (m *stubMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}
