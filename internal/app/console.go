package app

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// consoleOwner names the console adapter on the bus.
const consoleOwner = "console"

// runConsole reads command lines from the attached reader and emits them on
// the CLI command topic. Responses addressed to the CLI source are printed
// back. The adapter is deliberately thin: parsing, matching, and response
// semantics all live in the dispatcher.
func (a *App) runConsole(ctx context.Context) {
	sub, err := a.bus.Subscribe(events.TopicCLIResponse, consoleOwner,
		func(_ context.Context, p events.Payload) {
			resp := p.(*events.CLIResponse)
			if resp.Source != events.SourceCLI {
				return
			}
			if resp.Success {
				fmt.Println(resp.Message)
			} else {
				fmt.Println("error: " + resp.Message)
			}
		})
	if err != nil {
		a.log.Warn("console response subscription failed", "err", err)
	} else {
		defer sub.Close()
	}

	scanner := bufio.NewScanner(a.console)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd := &events.CLICommand{
			Envelope: events.NewEnvelope(consoleOwner),
			Raw:      line,
			Source:   events.SourceCLI,
		}
		if err := a.bus.Emit(ctx, cmd); err != nil {
			a.log.Warn("console command emission failed", "err", err)
		}
	}
	if err := scanner.Err(); err != nil {
		a.log.Warn("console input closed", "err", err)
	}
}
