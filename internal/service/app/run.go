package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"e2e_ratchet/internal/utils/log"

	"go.uber.org/zap"
)

// Listen handles envelopes until the transport closes.
func (c *App) Listen(ctx context.Context, display func(*Received)) {
	for {
		env, err := c.transport.Receive()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			return
		}

		r, err := c.HandleEnvelope(ctx, env)
		if err != nil {
			log.Error("receive message failed", zap.String("from", env.From), zap.Error(err))
			continue
		}
		if r != nil {
			display(r)
		}
	}
}

// Run reads commands from in and prints incoming messages to out.
//
//	/to <name>            select the recipient for plain lines
//	/group <a,b,...> text  send text to a group
//	/quit
//
// Any other line is sent to the selected recipient.
func (c *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	go c.Listen(ctx, func(r *Received) {
		if r.IsGroup {
			printf("[%s #%d] %s\n", r.From, r.Index, r.Text)
			return
		}
		printf("[%s] %s\n", r.From, r.Text)
	})

	var to string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit":
			return nil
		case "/to":
			to = strings.TrimSpace(rest)
			printf("chatting with %s\n", to)
			continue
		case "/group":
			names, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
			err = c.SendGroup(ctx, strings.Split(names, ","), text)
		default:
			if to == "" {
				err = ErrNoRecipient
				break
			}
			err = c.SendMessage(ctx, to, line)
		}

		if err != nil {
			printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}
