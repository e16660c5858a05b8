package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gftdcojp/cas-ioclass/internal/config"
	"github.com/gftdcojp/cas-ioclass/internal/engine"
	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"github.com/gftdcojp/cas-ioclass/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RunNATSResponder answers request-reply subjects until ctx is done:
//
//	{prefix}.ioclass.load.{cache}                   payload: CSV, or YAML/JSON with a Content-Type header
//	{prefix}.ioclass.list.{cache}
//	{prefix}.ioclass.stats.{cache}.{core}[.{class}]
//	{prefix}.classify.{cache}                       payload: attributes JSON
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, mgr *engine.Manager, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "cas"
	}
	r := &responder{mgr: mgr, prefix: prefix, logger: logger.Named("nats-responder")}

	routes := []struct {
		op      string
		subject string
		fn      func(ctx context.Context, msg *nats.Msg, tokens []string) (any, error)
	}{
		{"load", prefix + ".ioclass.load.*", r.load},
		{"list", prefix + ".ioclass.list.*", r.list},
		{"stats", prefix + ".ioclass.stats.>", r.stats},
		{"classify", prefix + ".classify.*", r.classify},
	}

	var subs []*nats.Subscription
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for _, rt := range routes {
		rt := rt
		sub, err := nc.Subscribe(rt.subject, func(msg *nats.Msg) {
			tokens := strings.Split(strings.TrimPrefix(msg.Subject, prefix+"."), ".")
			resp, err := rt.fn(ctx, msg, tokens)
			if err != nil {
				metrics.NATSRequests.WithLabelValues(rt.op, "error").Inc()
				r.logger.Debug("request failed", zap.String("subject", msg.Subject), zap.Error(err))
				natsutil.RespondJSON(msg, errorResponse(err))
				return
			}
			metrics.NATSRequests.WithLabelValues(rt.op, "ok").Inc()
			if err := natsutil.RespondJSON(msg, resp); err != nil {
				r.logger.Warn("responding", zap.String("subject", msg.Subject), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", rt.subject, err)
		}
		subs = append(subs, sub)
	}

	logger.Info("NATS responder started", zap.String("prefix", prefix))

	<-ctx.Done()
	return nil
}

type responder struct {
	mgr    *engine.Manager
	prefix string
	logger *zap.Logger
}

// load handles ioclass.load.{cache}.
func (r *responder) load(ctx context.Context, msg *nats.Msg, tokens []string) (any, error) {
	c, err := r.mgr.Get(tokens[2])
	if err != nil {
		return nil, err
	}
	contentType := ""
	if msg.Header != nil {
		contentType = msg.Header.Get("Content-Type")
	}
	return loadConfig(ctx, c, configFormat(contentType), msg.Data)
}

// list handles ioclass.list.{cache}.
func (r *responder) list(_ context.Context, _ *nats.Msg, tokens []string) (any, error) {
	c, err := r.mgr.Get(tokens[2])
	if err != nil {
		return nil, err
	}
	return c.Table().Specs(), nil
}

// stats handles ioclass.stats.{cache}.{core}[.{class}].
func (r *responder) stats(_ context.Context, _ *nats.Msg, tokens []string) (any, error) {
	if len(tokens) != 4 && len(tokens) != 5 {
		return nil, badRequest("expected %s.ioclass.stats.{cache}.{core}[.{class}]", r.prefix)
	}
	c, err := r.mgr.Get(tokens[2])
	if err != nil {
		return nil, err
	}
	coreID, err := strconv.ParseUint(tokens[3], 10, 16)
	if err != nil {
		return nil, badRequest("invalid core id %q", tokens[3])
	}
	if len(tokens) == 4 {
		gen, snaps, err := c.CoreStatsAt(uint16(coreID))
		if err != nil {
			return nil, err
		}
		return CoreStatsResponse{Cache: c.ID(), CoreID: uint16(coreID), Generation: gen, Classes: snaps}, nil
	}
	classID, err := strconv.ParseUint(tokens[4], 10, 32)
	if err != nil {
		return nil, badRequest("invalid class id %q", tokens[4])
	}
	return c.Stats(uint16(coreID), uint32(classID))
}

// classify handles classify.{cache}.
func (r *responder) classify(_ context.Context, msg *nats.Msg, tokens []string) (any, error) {
	c, err := r.mgr.Get(tokens[1])
	if err != nil {
		return nil, err
	}
	var req RequestAttributes
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, badRequest("decoding attributes: %v", err)
	}
	return classify(c, req)
}
