package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/listing-chat/internal/chat"
	"github.com/omochice/listing-chat/internal/client"
	"github.com/omochice/listing-chat/internal/config"
	"github.com/omochice/listing-chat/internal/history"
	"github.com/omochice/listing-chat/internal/log"
	"github.com/omochice/listing-chat/internal/session"
	"github.com/omochice/listing-chat/internal/store"
	"github.com/omochice/listing-chat/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chat-client",
		Short: "Terminal client for listing conversations",
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default is ./config.yaml)")

	root.AddCommand(newJoinCmd(&configPath), newSnapshotsCmd(&configPath), newForgetCmd(&configPath))
	return root
}

func newJoinCmd(configPath *string) *cobra.Command {
	var (
		conversationID int64
		userID         int64
		token          string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Open a conversation and chat from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID <= 0 || userID <= 0 {
				return errors.New("--conversation and --user are required")
			}
			if token == "" {
				token = os.Getenv(config.EnvPrefix + "_TOKEN")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log.Init(cfg.Log)
			logger := log.L()

			var st session.Store
			if cfg.Store.Path != "" {
				s, err := store.Open(cfg.Store.Path)
				if err != nil {
					return err
				}
				defer s.Close()
				st = s
			}

			creds := session.StaticCredentials{UserID: userID, Token: token}
			provisional, codec, reconciler := newReconciling(cfg, conversationID)
			transport := client.NewTransport(client.Config{
				URL:               cfg.Server.URL,
				LivenessTimeout:   cfg.Transport.LivenessTimeout,
				KeepaliveInterval: cfg.Transport.KeepaliveInterval,
				WriteTimeout:      cfg.Transport.WriteTimeout,
				MaxRetryDelay:     cfg.Transport.MaxRetryDelay,
				NewBackOff:        client.RetryPolicy(cfg.Transport.RetryDelay, cfg.Transport.MaxRetryDelay, cfg.Transport.Exponential),
				Codec:             codec,
				Logger:            &logger,
			})
			fetcher := history.NewHTTPFetcher(cfg.History.BaseURL, creds, cfg.History.Timeout,
				history.WithCodec(codec), history.WithLogger(&logger))
			printer := newPrinter(cmd.OutOrStdout(), userID, provisional)

			sess := session.New(session.Options{
				ConversationID: conversationID,
				Credentials:    creds,
				Transport:      transport,
				History:        fetcher,
				Store:          st,
				Reconciler:     reconciler,
				Observer:       printer.update,
				Logger:         &logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sess.Start(ctx); err != nil {
				return fmt.Errorf("failed to open conversation %d: %w", conversationID, err)
			}
			defer sess.Stop()

			fmt.Fprintln(cmd.OutOrStdout(), "Type your messages (or 'quit' to exit):")
			return readLoop(ctx, cmd.InOrStdin(), sess)
		},
	}
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "chat room id")
	cmd.Flags().Int64Var(&userID, "user", 0, "your user id")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default is $CHAT_TOKEN)")
	return cmd
}

// newReconciling builds the codec and reconciler for a conversation from
// one provisional range, so ids the codec mints are the ids the
// reconciler treats as provisional.
func newReconciling(cfg *config.Config, conversationID int64) (protocol.IDRange, *protocol.Codec, *chat.Reconciler) {
	provisional := protocol.IDRange{Min: cfg.Reconcile.ProvisionalFloor, Max: cfg.Reconcile.ProvisionalCeil}
	codec := protocol.NewCodec(protocol.WithProvisionalIDs(provisional))
	reconciler := chat.NewReconciler(chat.Options{
		ConversationID:  conversationID,
		DuplicateWindow: cfg.Reconcile.DuplicateWindow,
		ProvisionalIDs:  provisional,
	})
	return provisional, codec, reconciler
}

func readLoop(ctx context.Context, in io.Reader, sess *session.Session) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	logger := log.L()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			text := strings.TrimSpace(line)
			if text == "quit" || text == "exit" {
				return nil
			}
			err := sess.Send(ctx, text)
			switch {
			case err == nil, errors.Is(err, session.ErrEmptyMessage):
			case errors.Is(err, client.ErrNotConnected):
				logger.Warn().Msg("not connected, message kept as pending")
			default:
				logger.Error().Err(err).Msg("failed to send message")
			}
		}
	}
}

// printer writes each newly visible message once, oldest first. Pending
// sends are left out until the server confirms them.
type printer struct {
	out         io.Writer
	self        int64
	provisional protocol.IDRange
	seen        map[int64]struct{}
	status      client.Status
}

func newPrinter(out io.Writer, self int64, provisional protocol.IDRange) *printer {
	return &printer{
		out:         out,
		self:        self,
		provisional: provisional,
		seen:        make(map[int64]struct{}),
		status:      client.Disconnected,
	}
}

func (p *printer) update(u session.Update) {
	if u.State.Status != p.status {
		p.status = u.State.Status
		fmt.Fprintf(p.out, "*** %s ***\n", u.State)
	}

	messages := slices.Clone(u.Messages)
	slices.Reverse(messages)
	for _, m := range messages {
		if p.provisional.Contains(m.ID) && !m.Degraded {
			continue
		}
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}

		who := fmt.Sprintf("user%d", m.SenderID)
		if m.SenderID == p.self {
			who = "you"
		}
		if m.Degraded {
			who += " (unreadable)"
		}
		fmt.Fprintf(p.out, "[%s %s]: %s\n", m.SentAt.Local().Format("15:04"), who, m.Text)
	}
}

func newSnapshotsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List conversations saved in the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.Conversations()
			if err != nil {
				return err
			}
			for _, id := range ids {
				snap, ok, err := st.Load(id)
				if err != nil || !ok {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d messages\tsaved %s\n", id, len(snap.Entries), snap.SavedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newForgetCmd(configPath *string) *cobra.Command {
	var conversationID int64

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete a conversation's saved snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID <= 0 {
				return errors.New("--conversation is required")
			}
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Delete(conversationID)
		},
	}
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "chat room id")
	return cmd
}

func openStore(configPath string) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("store.path is not configured")
	}
	return store.Open(cfg.Store.Path)
}
