package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"rulebot/internal/domain"
	"rulebot/internal/rag"
)

const cliPrompt = "You> "

type CLIConfig struct {
	Service Answerer
	In      io.Reader // default: os.Stdin
	Out     io.Writer // default: os.Stdout
	// ShowSources prints the cited rule names under each answer.
	ShowSources bool
	Logger      *slog.Logger
}

// CLI is an interactive terminal conversation with key "cli".
type CLI struct {
	service     Answerer
	in          io.Reader
	out         io.Writer
	showSources bool
	spinner     bool
	logger      *slog.Logger
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	spinner := false
	if f, ok := cfg.Out.(*os.File); ok {
		spinner = isatty.IsTerminal(f.Fd())
	}
	return &CLI{
		service:     cfg.Service,
		in:          cfg.In,
		out:         cfg.Out,
		showSources: cfg.ShowSources,
		spinner:     spinner,
		logger:      cfg.Logger,
	}
}

// Run reads questions line by line until EOF, /exit, or ctx is cancelled.
func (c *CLI) Run(ctx context.Context) error {
	key := domain.ChannelCLI
	fmt.Fprintln(c.out, "rulebot: 競技かるたのルールについて質問してください。/clear で履歴をリセット、/exit で終了します。")
	fmt.Fprint(c.out, cliPrompt)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(c.out)
			select {
			case err := <-scanErr:
				return err
			default:
				return nil
			}
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			fmt.Fprint(c.out, cliPrompt)
			continue
		case "/exit", "/quit", "/q":
			return nil
		case "/clear":
			if err := c.service.Clear(ctx, key); err != nil {
				fmt.Fprintf(c.out, "履歴をリセットできませんでした: %v\n", err)
			} else {
				fmt.Fprintln(c.out, "会話の履歴をリセットしました。")
			}
			fmt.Fprint(c.out, cliPrompt)
			continue
		}

		stop := c.startSpinner()
		res := c.service.Ask(ctx, rag.Request{
			Channel:    domain.ChannelCLI,
			Question:   line,
			UseHistory: true,
		})
		stop()

		fmt.Fprintln(c.out, res.Answer)
		if c.showSources && len(res.Sources) > 0 {
			fmt.Fprintf(c.out, "  (出典: %s)\n", strings.Join(res.Sources, "、"))
		}
		fmt.Fprint(c.out, cliPrompt)
	}
}

// startSpinner animates a progress line on terminals and returns a func that
// clears it.
func (c *CLI) startSpinner() func() {
	if !c.spinner {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				fmt.Fprint(c.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s 回答を作成しています...", frames[i%len(frames)])
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
