package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/streambus"
)

// messageFlags are shared by every command that sends a message body.
type messageFlags struct {
	subject  string
	data     string
	file     string
	id       string
	session  string
	locale   string
	expireIn time.Duration
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.subject, "subject", "", "Target subject (required)")
	cmd.Flags().StringVar(&f.data, "data", "", "JSON body")
	cmd.Flags().StringVar(&f.file, "file", "", "Read the JSON body from a file")
	cmd.Flags().StringVar(&f.id, "id", "", "Message id")
	cmd.Flags().StringVar(&f.session, "session", "", "Session id; replies go to {subject}_{session}")
	cmd.Flags().StringVar(&f.locale, "locale", "", "Caller locale forwarded to consumers")
	cmd.Flags().DurationVar(&f.expireIn, "expire-in", 0, "Drop the message if not read within this duration")
	_ = cmd.MarkFlagRequired("subject")
}

func (f *messageFlags) body() (json.RawMessage, error) {
	raw := []byte(f.data)
	if f.file != "" {
		b, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		return nil, errors.New("body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func (f *messageFlags) options() streambus.PublishOptions {
	opts := streambus.PublishOptions{
		Subject:   f.subject,
		MessageID: f.id,
		SessionID: f.session,
		Locale:    f.locale,
	}
	if f.expireIn > 0 {
		opts.ExpireAt = time.Now().Add(f.expireIn)
	}
	return opts
}

func newPublishCommand(a *app) *cobra.Command {
	f := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Append a JSON message to a subject stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := f.body()
			if err != nil {
				return err
			}
			return a.withBus(func(bus *streambus.Bus) error {
				token, err := bus.PublishWithOptions(cmd.Context(), body, f.options())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token.EntryID)
				return err
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newScheduleCommand(a *app) *cobra.Command {
	f := &messageFlags{}
	var (
		at string
		in time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Defer a JSON message until --at or --in",
		Long:  "schedule stores the message for deferred delivery and prints the token that cancel accepts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := scheduledTime(at, in)
			if err != nil {
				return err
			}
			body, err := f.body()
			if err != nil {
				return err
			}
			opts := f.options()
			opts.ScheduledTime = when
			return a.withBus(func(bus *streambus.Bus) error {
				token, err := bus.PublishWithOptions(cmd.Context(), body, opts)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token.String())
				return err
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "Delivery time, RFC3339")
	cmd.Flags().DurationVar(&in, "in", 0, "Delivery delay from now")
	cmd.MarkFlagsMutuallyExclusive("at", "in")
	cmd.MarkFlagsOneRequired("at", "in")
	return cmd
}

func scheduledTime(at string, in time.Duration) (time.Time, error) {
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at; expected RFC3339: %w", err)
		}
		return t, nil
	}
	if in <= 0 {
		return time.Time{}, errors.New("--in must be positive")
	}
	return time.Now().Add(in), nil
}

func newCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TOKEN",
		Short: "Withdraw a scheduled message by the token schedule printed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sm streambus.ScheduledMessage
			if err := json.Unmarshal([]byte(args[0]), &sm); err != nil || sm.ID == "" {
				return errors.New("token is not a scheduled message")
			}
			return a.withBus(func(bus *streambus.Bus) error {
				return bus.Cancel(cmd.Context(), streambus.DeliveryToken{Subject: sm.Subject, Schedule: args[0]})
			})
		},
	}
}

func newRequestCommand(a *app) *cobra.Command {
	f := &messageFlags{}
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Publish a JSON message and print the first reply",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := f.body()
			if err != nil {
				return err
			}
			return a.withBus(func(bus *streambus.Bus) error {
				reply, err := bus.Request(cmd.Context(), body, f.options(), streambus.ReplyOptions{Timeout: timeout})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(reply))
				return err
			})
		},
	}
	f.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Reply timeout (default from STREAMBUS_REPLY_TIMEOUT)")
	return cmd
}
