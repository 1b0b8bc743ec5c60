package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nehonix/go-procsupervisor/internal/control"
	"github.com/nehonix/go-procsupervisor/internal/logtail"
	"github.com/nehonix/go-procsupervisor/internal/model"
	"github.com/nehonix/go-procsupervisor/internal/orchestrator"
	"github.com/nehonix/go-procsupervisor/internal/supervisorerr"
)

func TestTablePing(t *testing.T) {
	o := orchestrator.New(zerolog.Nop(), nil, logtail.NewRegistry())
	d := Table(o, logtail.NewRegistry(), time.Now())

	h, ok := d.Handlers["ping"]
	if !ok {
		t.Fatal("expected a ping handler")
	}
	data, streamCh, err := h(control.Request{ID: "t", Cmd: "ping"})
	if err != nil || streamCh != nil {
		t.Fatalf("unexpected error/stream: %v %v", err, streamCh)
	}
	m, ok := data.(map[string]interface{})
	if !ok || m["pong"] != true {
		t.Fatalf("expected pong:true, got %+v", data)
	}
}

func TestTableListEmpty(t *testing.T) {
	o := orchestrator.New(zerolog.Nop(), nil, logtail.NewRegistry())
	d := Table(o, logtail.NewRegistry(), time.Now())

	h := d.Handlers["list"]
	data, _, err := h(control.Request{ID: "t", Cmd: "list"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	apps, ok := data.([]model.AppStatus)
	if !ok {
		t.Fatalf("expected []model.AppStatus, got %T", data)
	}
	if len(apps) != 0 {
		t.Fatalf("expected no apps, got %d", len(apps))
	}
}

func TestTableStopUnknownAppReturnsNotFound(t *testing.T) {
	o := orchestrator.New(zerolog.Nop(), nil, logtail.NewRegistry())
	d := Table(o, logtail.NewRegistry(), time.Now())

	h := d.Handlers["stop"]
	args, _ := json.Marshal(map[string]string{"name": "ghost"})
	_, _, err := h(control.Request{ID: "t", Cmd: "stop", Args: args})
	if err == nil {
		t.Fatal("expected an error for an unknown app")
	}
	if supervisorerr.KindOf(err) != supervisorerr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", supervisorerr.KindOf(err))
	}
}

func TestTableStreamingFlagsSet(t *testing.T) {
	o := orchestrator.New(zerolog.Nop(), nil, logtail.NewRegistry())
	d := Table(o, logtail.NewRegistry(), time.Now())
	if !d.Streaming["logs"] {
		t.Error("expected logs to be a streaming command")
	}
	if !d.Streaming["metrics"] {
		t.Error("expected metrics to be a streaming command")
	}
	if d.Streaming["ping"] {
		t.Error("ping must not be marked streaming")
	}
}

func TestTableLogsStreamsBacklog(t *testing.T) {
	o := orchestrator.New(zerolog.Nop(), nil, logtail.NewRegistry())
	tails := logtail.NewRegistry()
	tails.Append("web", "stdout", 1, "hello", time.Now())
	d := Table(o, tails, time.Now())

	h := d.Handlers["logs"]
	args, _ := json.Marshal(map[string]string{"name": "web"})
	_, ch, err := h(control.Request{ID: "t", Cmd: "logs", Args: args})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case v := <-ch:
		line, ok := v.(logtail.Line)
		if !ok || line.Text != "hello" {
			t.Fatalf("expected backlog line 'hello', got %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog line")
	}
}
