package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/do/v2"
	"github.com/urfave/cli/v3"
	"github.com/web3tea/dvm-relay/di"
	"github.com/web3tea/dvm-relay/models"
	"github.com/web3tea/dvm-relay/store"
)

const previewRunes = 40

var sinksCmd = &cli.Command{
	Name:  "sinks",
	Usage: "List the sinks saved in the state store",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored output",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		if c.Bool("no-color") {
			color.NoColor = true
		}

		injector := di.SetupContainer(c.String("config"))
		st, err := do.Invoke[store.Store](injector)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer st.Close()

		state, err := st.Load(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			state = &models.State{}
		case err != nil:
			return err
		}

		renderSinks(os.Stdout, state)
		return nil
	},
}

func renderSinks(w io.Writer, state *models.State) {
	if len(state.Sinks) == 0 {
		fmt.Fprintln(w, color.YellowString("No sinks saved"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Sink", "Message", "Content"})
	for i, d := range state.Sinks {
		t.AppendRow(table.Row{strconv.Itoa(i + 1), d.SinkID, d.MessageID, preview(d.LastContent)})
	}
	t.Render()

	fmt.Fprintln(w, color.GreenString("%d sinks", len(state.Sinks)))
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", "⏎")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes-1]) + "…"
}
