package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/MarcoPoloResearchLab/collab/internal/app"
	"github.com/MarcoPoloResearchLab/collab/internal/client"
	"github.com/MarcoPoloResearchLab/collab/internal/config"
	"github.com/MarcoPoloResearchLab/collab/internal/localstore"
	"github.com/MarcoPoloResearchLab/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errNoIdentity = errors.New("no active identity")

// runtime is the per-invocation wiring shared by every command.
type runtime struct {
	cfg       config.ClientConfig
	logger    *zap.Logger
	state     *app.State
	api       *client.Client
	navigator *app.Navigator

	in     *bufio.Reader
	stdin  io.Reader
	out    io.Writer
	errOut io.Writer
	outMu  sync.Mutex
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	store, err := localstore.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	state, err := app.LoadState(store, logger)
	if err != nil {
		return nil, err
	}
	api, err := client.New(client.Config{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIKey,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	if session, ok := state.Session(); ok {
		api.SetAccessToken(session.AccessToken)
	}
	navigator, err := app.NewNavigator(cfg.Variant, state)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:       cfg,
		logger:    logger,
		state:     state,
		api:       api,
		navigator: navigator,
		in:        bufio.NewReader(cmd.InOrStdin()),
		stdin:     cmd.InOrStdin(),
		out:       cmd.OutOrStdout(),
		errOut:    cmd.ErrOrStderr(),
	}, nil
}

// withRuntime adapts a runtime-aware handler to cobra.
func withRuntime(run func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		r, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer r.logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, r, cmd, args)
	}
}

// enter resolves route and reports a redirect instead of proceeding.
func (r *runtime) enter(route app.Route) (bool, error) {
	resolved, err := r.navigator.Resolve(route)
	if err != nil {
		return false, err
	}
	if resolved != route {
		fmt.Fprintln(r.errOut, redirectNotice(route, resolved))
		return false, nil
	}
	return true, nil
}

// currentUser returns the identity the views act as.
func (r *runtime) currentUser() (users.User, error) {
	var (
		user users.User
		ok   bool
	)
	if r.cfg.Variant == config.VariantAuthenticated {
		user, ok = r.state.SessionUser()
	} else {
		user, ok = r.state.CachedIdentity()
	}
	if !ok {
		return users.User{}, errNoIdentity
	}
	return user, nil
}

func (r *runtime) println(line string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, line)
}

func (r *runtime) prompt(label string) (string, error) {
	r.outMu.Lock()
	fmt.Fprint(r.errOut, label)
	r.outMu.Unlock()
	line, err := r.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// lines streams input lines until EOF or ctx ends.
func (r *runtime) lines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
