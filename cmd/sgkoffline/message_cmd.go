package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sgkoffline/internal/worker"
)

func init() {
	rootCmd.AddCommand(messageCmd)
}

var messageCmd = &cobra.Command{
	Use:   "message <type> [arg]",
	Short: "Send a message to the running worker",
	Long: "Send a page message over the worker websocket and print the reply.\n\n" +
		"Types: SKIP_WAITING, CHECK_VERSION <version>, CACHE_PAGE <url>, CLEAR_CACHE.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := parseMessage(args)
		if err != nil {
			return err
		}
		reply, err := sendMessage(cmd.Context(), m)
		if err != nil {
			return err
		}
		if reply == nil {
			fmt.Println("sent")
			return nil
		}
		b, err := worker.EncodeMessage(reply)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

func parseMessage(args []string) (worker.Message, error) {
	typ := strings.ToUpper(strings.ReplaceAll(args[0], "-", "_"))
	arg := ""
	if len(args) > 1 {
		arg = args[1]
	}
	switch typ {
	case worker.TypeSkipWaiting:
		return worker.SkipWaiting{}, nil
	case worker.TypeClearCache:
		return worker.ClearCache{}, nil
	case worker.TypeCheckVersion:
		if arg == "" {
			return nil, fmt.Errorf("%s needs a version", typ)
		}
		return worker.CheckVersion{Version: arg}, nil
	case worker.TypeCachePage:
		if arg == "" {
			return nil, fmt.Errorf("%s needs a url", typ)
		}
		return worker.CachePage{URL: arg}, nil
	}
	return nil, fmt.Errorf("%w: %q", worker.ErrUnknownMessage, args[0])
}

func sendMessage(ctx context.Context, m worker.Message) (worker.Message, error) {
	base, err := controlURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	c, err := worker.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/__sw/ws")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	reply, err := c.Request(ctx, m)
	if err != nil {
		return nil, err
	}
	if e, ok := reply.(worker.ErrorReply); ok {
		return nil, fmt.Errorf("worker: %s", e.Error)
	}
	return reply, nil
}
