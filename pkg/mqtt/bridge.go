package mqtt

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/analyzer"
	"github.com/agile-defense/fieldnode/pkg/messages"
)

// Inbound is where decoded sensor bus traffic is delivered
type Inbound interface {
	SignalPIR(ts time.Time)
	Submit(r messages.ModalityResult) error
	SubmitAudio(buf analyzer.AudioBuffer) error
}

// AmbientSink receives environment and power readings
type AmbientSink interface {
	SetEnvironment(env messages.EnvironmentalContext)
	SetPowerTier(tier messages.PowerTier)
}

// Topics are the sensor bus topic patterns; {node_id} is replaced with the node ID
type Topics struct {
	PIR         string
	Environment string
	Power       string
	Audio       string
	Results     string
}

// DefaultTopics returns the standard sensor bus layout
func DefaultTopics() Topics {
	return Topics{
		PIR:         "fieldnode/{node_id}/pir",
		Environment: "fieldnode/{node_id}/environment",
		Power:       "fieldnode/{node_id}/power",
		Audio:       "fieldnode/{node_id}/audio",
		Results:     "fieldnode/{node_id}/result",
	}
}

// AudioPayload is a PCM capture from the microphone driver
type AudioPayload struct {
	SampleRate int       `json:"sample_rate"`
	NoiseFloor float64   `json:"noise_floor"`
	PCM        string    `json:"pcm"` // Base64 little-endian signed 16-bit mono
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// Bridge subscribes to the sensor bus and forwards decoded readings to the node
type Bridge struct {
	client  paho.Client
	nodeID  string
	topics  Topics
	inbound Inbound
	ambient AmbientSink
	clock   func() time.Time
	logger  zerolog.Logger

	retryOn []error
	retries int
	backoff time.Duration
	sleep   func(time.Duration)
}

// NewBridge creates a bridge; nothing is subscribed until Subscribe
func NewBridge(client paho.Client, nodeID string, topics Topics, inbound Inbound, ambient AmbientSink, logger zerolog.Logger) *Bridge {
	return &Bridge{
		client:  client,
		nodeID:  nodeID,
		topics:  topics,
		inbound: inbound,
		ambient: ambient,
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "sensor_bus").Logger(),
		sleep:   time.Sleep,
	}
}

// RetryOn makes deliveries that fail with one of targets retry up to attempts times, backoff apart.
// The paho callback blocks meanwhile, which holds back the rest of the bus.
func (b *Bridge) RetryOn(attempts int, backoff time.Duration, targets ...error) *Bridge {
	b.retries = attempts
	b.backoff = backoff
	b.retryOn = targets
	return b
}

func (b *Bridge) retryable(err error) bool {
	for _, target := range b.retryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// deliver runs handle, retrying while the node pushes back
func (b *Bridge) deliver(handle func([]byte) error, payload []byte) error {
	err := handle(payload)
	for attempt := 0; err != nil && attempt < b.retries && b.retryable(err); attempt++ {
		b.sleep(b.backoff)
		err = handle(payload)
	}
	return err
}

// Subscribe subscribes to every configured topic
func (b *Bridge) Subscribe() error {
	routes := []struct {
		pattern string
		handle  func([]byte) error
	}{
		{b.topics.PIR, b.HandlePIR},
		{b.topics.Environment, b.HandleEnvironment},
		{b.topics.Power, b.HandlePower},
		{b.topics.Audio, b.HandleAudio},
		{b.topics.Results, b.HandleResult},
	}

	for _, r := range routes {
		if r.pattern == "" {
			continue
		}
		topic := formatTopic(r.pattern, b.nodeID)
		handle := r.handle
		token := b.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
			if err := b.deliver(handle, msg.Payload()); err != nil {
				b.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropped sensor bus message")
			}
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
		}
		b.logger.Info().Str("topic", topic).Msg("Subscribed to sensor bus topic")
	}
	return nil
}

// HandlePIR latches one edge. The payload is an optional RFC3339 timestamp.
func (b *Bridge) HandlePIR(payload []byte) error {
	ts := b.clock()
	if s := strings.TrimSpace(string(payload)); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid pir timestamp: %w", err)
		}
		ts = parsed
	}
	b.inbound.SignalPIR(ts)
	return nil
}

// HandleEnvironment installs a new ambient snapshot
func (b *Bridge) HandleEnvironment(payload []byte) error {
	env := messages.DefaultEnvironment()
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("invalid environment payload: %w", err)
	}
	phase, err := messages.ParsePhase(string(env.Phase))
	if err != nil {
		return err
	}
	env.Phase = phase
	if env.ObservedAt.IsZero() {
		env.ObservedAt = b.clock()
	}
	b.ambient.SetEnvironment(env)
	return nil
}

// HandlePower installs the battery tier
func (b *Bridge) HandlePower(payload []byte) error {
	tier, err := messages.ParsePowerTier(string(payload))
	if err != nil {
		return err
	}
	b.ambient.SetPowerTier(tier)
	return nil
}

// HandleAudio decodes a PCM capture and queues it for analysis
func (b *Bridge) HandleAudio(payload []byte) error {
	buf, err := DecodeAudio(payload)
	if err != nil {
		return err
	}
	if buf.CapturedAt.IsZero() {
		buf.CapturedAt = b.clock()
	}
	return b.inbound.SubmitAudio(buf)
}

// HandleResult queues a result scored off-node
func (b *Bridge) HandleResult(payload []byte) error {
	var r messages.ModalityResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("invalid result payload: %w", err)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = b.clock()
	}
	return b.inbound.Submit(r)
}

// DecodeAudio parses an AudioPayload into normalized samples
func DecodeAudio(payload []byte) (analyzer.AudioBuffer, error) {
	var p AudioPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return analyzer.AudioBuffer{}, fmt.Errorf("invalid audio payload: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(p.PCM)
	if err != nil {
		return analyzer.AudioBuffer{}, fmt.Errorf("invalid audio pcm: %w", err)
	}
	if len(raw)%2 != 0 {
		return analyzer.AudioBuffer{}, errors.New("invalid audio pcm: odd byte count")
	}

	samples := make([]float64, len(raw)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}
	return analyzer.AudioBuffer{
		Samples:    samples,
		SampleRate: p.SampleRate,
		NoiseFloor: p.NoiseFloor,
		CapturedAt: p.CapturedAt,
	}, nil
}

// EncodeAudio is the inverse of DecodeAudio, used by simulators and replay tooling
func EncodeAudio(buf analyzer.AudioBuffer) ([]byte, error) {
	raw := make([]byte, 2*len(buf.Samples))
	for i, s := range buf.Samples {
		s = max(-1, min(s, 32767.0/32768))
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(s*32768)))
	}
	return json.Marshal(AudioPayload{
		SampleRate: buf.SampleRate,
		NoiseFloor: buf.NoiseFloor,
		PCM:        base64.StdEncoding.EncodeToString(raw),
		CapturedAt: buf.CapturedAt,
	})
}

func formatTopic(pattern, nodeID string) string {
	return strings.ReplaceAll(pattern, "{node_id}", nodeID)
}
