package serve

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/config"
	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	t.Cleanup(func() { ns.Shutdown() })
	return ns.ClientURL()
}

// request retries while the responder is still subscribing.
func request(t *testing.T, nc *nats.Conn, msg *nats.Msg, v any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		reply, err := nc.RequestMsg(msg, time.Second)
		if errors.Is(err, nats.ErrNoResponders) && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("request %s: %v", msg.Subject, err)
		}
		if err := json.Unmarshal(reply.Data, v); err != nil {
			t.Fatalf("decoding reply to %s: %v", msg.Subject, err)
		}
		return
	}
}

func TestNATSResponder(t *testing.T) {
	url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	mgr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunNATSResponder(ctx, nc, config.NATSResponderConfig{Enabled: true, SubjectPrefix: "test"}, mgr, zap.NewNop())
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("responder returned %v", err)
		}
	}()

	var load LoadResponse
	request(t, nc, &nats.Msg{Subject: "test.ioclass.load.cache1", Data: []byte(directIOCSV)}, &load)
	if load.Cache != "cache1" || load.Classes != 2 {
		t.Fatalf("unexpected load reply: %+v", load)
	}

	yamlMsg := nats.NewMsg("test.ioclass.load.cache1")
	yamlMsg.Header.Set("Content-Type", "application/yaml")
	yamlMsg.Data = []byte("- id: 0\n  name: unclassified\n- id: 9\n  name: \"\"\n")
	var failed ErrorResponse
	request(t, nc, yamlMsg, &failed)
	if failed.Error == "" || failed.Index == nil || *failed.Index != 1 || failed.Field != "name" {
		t.Errorf("expected a config error on entry 1 name, got %+v", failed)
	}

	var specs []ioclass.ClassSpec
	request(t, nc, &nats.Msg{Subject: "test.ioclass.list.cache1"}, &specs)
	if len(specs) != 2 || specs[0].Name != "direct-io" {
		t.Errorf("unexpected class list: %+v", specs)
	}

	attrs, _ := json.Marshal(RequestAttributes{Direction: rule.DirWrite, Flags: []string{"direct"}})
	var cl ClassifyResponse
	request(t, nc, &nats.Msg{Subject: "test.classify.cache1", Data: attrs}, &cl)
	if cl.ClassID != 1 || cl.Generation != load.Generation {
		t.Errorf("unexpected classification: %+v", cl)
	}

	c, _ := mgr.Get("cache1")
	c.ReportCompletion(1, 1, stats.Outcome{Direction: rule.DirWrite, Result: stats.Hit, Bytes: 4096, CacheBytes: 4096})

	var core CoreStatsResponse
	request(t, nc, &nats.Msg{Subject: "test.ioclass.stats.cache1.1"}, &core)
	if core.CoreID != 1 || len(core.Classes) != 2 {
		t.Fatalf("unexpected core stats: %+v", core)
	}

	var snap stats.Snapshot
	request(t, nc, &nats.Msg{Subject: "test.ioclass.stats.cache1.1.1"}, &snap)
	if snap.Requests.WriteHits != 1 || snap.Blocks.Cache.Writes != 4096 {
		t.Errorf("unexpected class stats: %+v", snap)
	}

	var missing ErrorResponse
	request(t, nc, &nats.Msg{Subject: "test.ioclass.list.nope"}, &missing)
	if missing.Error == "" {
		t.Error("expected an error for an unknown cache")
	}
	missing = ErrorResponse{}
	request(t, nc, &nats.Msg{Subject: "test.ioclass.stats.cache1.x"}, &missing)
	if missing.Error == "" {
		t.Error("expected an error for a malformed core id")
	}
}
