package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/scan"
)

type scanCmd struct {
	Target    string   `arg:"" help:"Engagement target: hostname, IP or URL."`
	Objective string   `help:"Assessment objective passed to the agent." short:"o"`
	Profile   string   `help:"Scan profile: quick, normal or aggressive." default:"normal"`
	NoAI      bool     `help:"Run the fixed recon pipeline instead of the agent." name:"no-ai"`
	Tools     []string `help:"Restrict the scan to these tools."`
	JSON      bool     `help:"Emit raw event JSON, one object per line." name:"json"`
}

func (s *scanCmd) Run(c *cli) error {
	app, err := buildApp(c)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enableAI := !s.NoAI
	created, err := app.ctrl.CreateScan(ctx, scan.CreateRequest{
		Target:    s.Target,
		Objective: s.Objective,
		Profile:   scan.Profile(s.Profile),
		EnableAI:  &enableAI,
		Tools:     s.Tools,
	})
	if err != nil {
		return err
	}
	app.logger.Info("scan started", "scan_id", created.ID)

	// The subscription outlives the signal context so the cancellation
	// events still print after Ctrl-C.
	events, err := app.bus.Subscribe(context.Background(), created.ID, 0)
	if err != nil {
		return err
	}

	sig := ctx.Done()
	var terminal eventbus.Kind
	for {
		select {
		case ev, open := <-events:
			if !open {
				return s.exitStatus(terminal)
			}
			s.render(ev)
			if eventbus.TerminalKind(ev.Kind) {
				terminal = ev.Kind
			}

		case <-sig:
			sig = nil
			stop()
			if _, err := app.ctrl.Cancel(context.Background(), created.ID); err != nil {
				return err
			}
		}
	}
}

func (s *scanCmd) exitStatus(terminal eventbus.Kind) error {
	switch terminal {
	case eventbus.KindScanFailed:
		return fmt.Errorf("scan failed")
	case eventbus.KindScanCancelled:
		return fmt.Errorf("scan cancelled")
	default:
		return nil
	}
}

func (s *scanCmd) render(ev eventbus.Event) {
	if s.JSON {
		if data, err := json.Marshal(ev); err == nil {
			fmt.Println(string(data))
		}
		return
	}

	p := ev.Payload
	switch ev.Kind {
	case eventbus.KindScanStarted:
		fmt.Printf("== scan started against %v (profile %v)\n", p["target"], p["profile"])
	case eventbus.KindModelSelected:
		fmt.Printf("-- model: %v (%v)\n", p["mode"], p["reason"])
	case eventbus.KindAgentReasoning:
		fmt.Printf("   %v\n", p["text"])
	case eventbus.KindToolCall:
		fmt.Printf(">> %v %v\n", p["tool"], compactJSON(p["arguments"]))
	case eventbus.KindToolOutput:
		fmt.Printf("   | %v\n", p["line"])
	case eventbus.KindToolCompleted:
		fmt.Printf("<< %v done in %vms, %v findings (exit %v)\n",
			p["tool"], p["duration_ms"], p["finding_count"], p["exit_code"])
	case eventbus.KindFinding:
		fmt.Printf(" * [%v] %v (%v)\n", p["severity"], p["title"], p["affected_target"])
	case eventbus.KindEscalation:
		fmt.Printf("-- escalation %v -> %v: %v\n", p["from_mode"], p["to_mode"], p["reason"])
	case eventbus.KindError:
		fmt.Printf(" ! %v: %v\n", p["kind"], p["message"])
	case eventbus.KindScanCompleted:
		fmt.Printf("== scan completed: %v\n", p["summary"])
		fmt.Printf("   severities %v, tokens %v, cost $%.4f\n",
			compactJSON(p["counts_by_severity"]), p["total_tokens"], p["total_cost"])
	case eventbus.KindScanFailed:
		fmt.Printf("== scan failed: %v (%v)\n", p["message"], p["kind"])
	case eventbus.KindScanCancelled:
		fmt.Println("== scan cancelled")
	default:
		fmt.Printf("?? %s %v\n", ev.Kind, p)
	}
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
