package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/obslog"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

const defaultSubjectPrefix = "lobby.events"

// relayEnvelope is the NATS message body. Origin lets an instance skip its own frames.
type relayEnvelope struct {
	Origin string         `json:"origin"`
	Group  string         `json:"group"`
	Frame  lobbydto.Frame `json:"frame"`
}

// NATSRelay publishes group frames on core NATS subjects "<prefix>.<group>".
type NATSRelay struct {
	nc         *nats.Conn
	instanceID string
	prefix     string
	logger     *zap.Logger
	sub        *nats.Subscription
}

// NewNATSRelay connects to url and reconnects forever.
func NewNATSRelay(url, instanceID string, logger *zap.Logger) (*NATSRelay, error) {
	if logger == nil {
		logger = obslog.Named("relay")
	}
	opts := []nats.Option{
		nats.Name("cheese-lobby/" + instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats_disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("nats_error", zap.Error(err))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newNATSRelay(nc, instanceID, logger), nil
}

func newNATSRelay(nc *nats.Conn, instanceID string, logger *zap.Logger) *NATSRelay {
	return &NATSRelay{nc: nc, instanceID: instanceID, prefix: defaultSubjectPrefix, logger: logger}
}

func (r *NATSRelay) subject(group string) string {
	// subjects are dot separated; group ids must stay one token
	return r.prefix + "." + strings.ReplaceAll(group, ".", "_")
}

func (r *NATSRelay) Publish(ctx context.Context, group string, f lobbydto.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Group: group, Frame: f})
	if err != nil {
		return err
	}
	return r.nc.Publish(r.subject(group), data)
}

func (r *NATSRelay) Subscribe(deliver func(group string, f lobbydto.Frame)) error {
	sub, err := r.nc.Subscribe(r.prefix+".*", r.handler(deliver))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.prefix, err)
	}
	r.sub = sub
	return nil
}

func (r *NATSRelay) handler(deliver func(group string, f lobbydto.Frame)) nats.MsgHandler {
	return func(m *nats.Msg) {
		var env relayEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			r.logger.Warn("relay_decode_failed", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if env.Origin == r.instanceID || env.Group == "" {
			return
		}
		deliver(env.Group, env.Frame)
	}
}

func (r *NATSRelay) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		return r.nc.Drain()
	}
	return nil
}
