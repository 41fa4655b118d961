package relay

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// fakeTransport is an in-memory transport for session tests. It records
// every written message.
type fakeTransport struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// written returns the transported envelopes.
func (t *fakeTransport) written() []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []*Envelope
	for _, data := range t.messages {
		env, err := DecodeEnvelope(data)
		if err != nil {
			panic(err)
		}
		result = append(result, env)
	}
	return result
}

func newTestConn() (*Conn, *fakeTransport) {
	transport := &fakeTransport{}
	return NewConn(transport), transport
}

// drain empties the connection's outbound mailbox and decodes the envelopes.
func drain(c *Conn) []*Envelope {
	var result []*Envelope
	for {
		select {
		case data := <-c.send:
			env, err := DecodeEnvelope(data)
			if err != nil {
				panic(err)
			}
			result = append(result, env)
		default:
			return result
		}
	}
}

func decodePayload(env *Envelope, target interface{}) error {
	return json.Unmarshal(env.Data, target)
}

// fakeDirectory is an in-memory device directory.
type fakeDirectory struct {
	mu        sync.Mutex
	devices   map[string]string // device id -> account id
	patches   map[string][]StatusPatch
	mergeFail error
}

func newFakeDirectory(devices map[string]string) *fakeDirectory {
	return &fakeDirectory{
		devices: devices,
		patches: make(map[string][]StatusPatch),
	}
}

func (d *fakeDirectory) LookupDevice(ctx context.Context, deviceID string) (*DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	account, ok := d.devices[deviceID]
	if !ok {
		return nil, &UnknownDeviceError{DeviceID: deviceID}
	}
	return &DeviceInfo{DeviceID: deviceID, OwnerAccountID: account}, nil
}

func (d *fakeDirectory) MergeStatus(ctx context.Context, deviceID string, patch StatusPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mergeFail != nil {
		return d.mergeFail
	}
	if _, ok := d.devices[deviceID]; !ok {
		return &UnknownDeviceError{DeviceID: deviceID}
	}
	d.patches[deviceID] = append(d.patches[deviceID], patch)
	return nil
}

// fakeStore is an in-memory telemetry record store.
type fakeStore struct {
	mu       sync.Mutex
	records  []*TelemetryRecord
	saveFail error
}

func (s *fakeStore) SaveTelemetryRecord(ctx context.Context, record *TelemetryRecord) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveFail != nil {
		return uuid.UUID{}, s.saveFail
	}
	s.records = append(s.records, record)
	return record.RecordID, nil
}

// fakeVerifier validates against a static token table.
type fakeVerifier struct {
	tokens map[string]*Claims
}

func (v *fakeVerifier) Verify(token string) (*Claims, error) {
	claims, ok := v.tokens[token]
	if !ok {
		return nil, &AuthError{Reason: "invalid token signature"}
	}
	return claims, nil
}

// fakePublisher records mirrored command publishes.
type fakePublisher struct {
	mu       sync.Mutex
	commands map[string][][]byte
	fail     error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{commands: make(map[string][][]byte)}
}

func (p *fakePublisher) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.commands[deviceID] = append(p.commands[deviceID], payload)
	return nil
}

func (p *fakePublisher) published(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.commands[deviceID])
}

// fakeExporter records exported events.
type fakeExporter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeExporter) Export(ctx context.Context, eventType string, deviceID string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
	return nil
}

func float64Ptr(v float64) *float64 { return &v }
