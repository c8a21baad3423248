package sink

import (
	"context"
	"encoding/json"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/upsplusd/internal/config"
	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/logger"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// mqttPayload is the published wire shape. Saturated readings marshal as
// absent fields; JSON has no NaN.
type mqttPayload struct {
	RecordedAt    time.Time `json:"recorded_at"`
	TimeS         uint32    `json:"time_s"`
	VoltsMV       uint16    `json:"volts_mv"`
	PowerMW       *float64  `json:"power_mw,omitempty"`
	RemainingPct  uint16    `json:"remaining_pct"`
	BattCurrentMA *float64  `json:"batt_current_ma,omitempty"`
	BattTempC     int16     `json:"batt_temp_c"`
}

// MQTT publishes each sample as one JSON message on a fixed topic.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    logger.Logger
}

// NewMQTT connects to the broker. The connection is established before the
// sampling loop starts so a bad broker address fails startup.
func NewMQTT(cfg config.MQTTConfig, log logger.Logger) (*MQTT, error) {
	errFactory := errors.New()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, errFactory.WithData(ErrMQTTConnect, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errFactory.Wrap(ErrMQTTConnect, err)
	}

	log.Info().Str("broker", cfg.Broker).Str("topic", cfg.Topic).Msg("mqtt sink connected")

	return &MQTT{client: client, topic: cfg.Topic, qos: byte(cfg.QoS), log: log}, nil
}

func (m *MQTT) Record(_ context.Context, sample upsplus.Sample) error {
	errFactory := errors.New()

	payload, err := json.Marshal(mqttPayload{
		RecordedAt:    time.Now().UTC(),
		TimeS:         sample.Time,
		VoltsMV:       sample.Voltage,
		PowerMW:       finitePtr(sample.Power),
		RemainingPct:  sample.Remaining,
		BattCurrentMA: finitePtr(sample.BattCurrent),
		BattTempC:     sample.BattTemp,
	})
	if err != nil {
		return errFactory.Wrap(ErrMQTTPublish, err)
	}

	token := m.client.Publish(m.topic, m.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errFactory.WithData(ErrMQTTPublish, "publish timed out")
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrMQTTPublish, err)
	}

	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

// finitePtr returns nil for NaN so the field is omitted from the payload.
func finitePtr(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
