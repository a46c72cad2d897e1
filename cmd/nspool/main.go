package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/folbricht/nspool"
)

func main() {
	cmd := &cobra.Command{
		Use:   "nspool",
		Short: "DNS forwarder with upstream health tracking",
		Long: `DNS forwarder with upstream health tracking.

Forwards DNS queries to the best of a set of upstream
name servers. Servers that fail are left alone for a
while before they are tried again.
`,
		SilenceUsage: true,
	}
	cmd.AddCommand(serveCmd(), queryCmd())
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve <config>",
		Short:   "Start the listeners and forward queries to the pool",
		Example: `  nspool serve config.toml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(args[0])
		},
	}
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "query <config> <name> [type]",
		Short:   "Send one query through the pool and print the response",
		Example: `  nspool query config.toml example.com AAAA`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qtype := "A"
			if len(args) > 2 {
				qtype = args[2]
			}
			return query(args[0], args[1], qtype)
		},
	}
}

func serve(configFile string) error {
	c, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if err := setupLogging(c.Log); err != nil {
		return err
	}
	pool, err := newPool(c)
	if err != nil {
		return err
	}
	defer pool.Close()
	resolver := withRetry(c, pool)

	var listeners []nspool.Listener
	for id, l := range c.Listeners {
		switch l.Protocol {
		case "tcp", "udp":
			listeners = append(listeners, nspool.NewDNSListener(id, l.Address, l.Protocol, resolver))
		default:
			return fmt.Errorf("unsupported protocol '%s' for listener '%s'", l.Protocol, id)
		}
	}
	if len(listeners) == 0 {
		return errors.New("no listeners configured")
	}

	// Start the listeners
	for _, l := range listeners {
		go func(l nspool.Listener) {
			for {
				err := l.Start()
				nspool.Log.WithError(err).WithField("id", l.String()).Error("listener failed")
				time.Sleep(time.Second)
			}
		}(l)
	}

	select {}
}

func query(configFile, name, qtype string) error {
	c, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if err := setupLogging(c.Log); err != nil {
		return err
	}
	t, ok := dns.StringToType[strings.ToUpper(qtype)]
	if !ok {
		return fmt.Errorf("unknown query type '%s'", qtype)
	}
	pool, err := newPool(c)
	if err != nil {
		return err
	}
	defer pool.Close()

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), t)
	a, err := withRetry(c, pool).Resolve(context.Background(), q)
	if err != nil {
		return err
	}
	fmt.Println(a)
	return nil
}

func newPool(c config) (*nspool.NameServerPool, error) {
	rc, opt := c.resolver()
	if len(rc.NameServers) == 0 {
		return nil, errors.New("no servers configured")
	}
	return nspool.NewNameServerPool("pool", rc, opt)
}

// Wraps the pool so failed queries are sent again if more than one attempt is configured.
func withRetry(c config, pool *nspool.NameServerPool) nspool.Resolver {
	if c.Options.Attempts <= 1 {
		return pool
	}
	return nspool.NewRetry("retry", pool, nspool.RetryOptions{Attempts: c.Options.Attempts})
}

func setupLogging(c logConfig) error {
	if c.Level != "" {
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return err
		}
		nspool.Log.SetLevel(level)
	}
	if c.Syslog == nil {
		return nil
	}
	opt := nspool.SyslogOptions{
		Network:  c.Syslog.Network,
		Address:  c.Syslog.Address,
		Priority: c.Syslog.Priority,
		Tag:      c.Syslog.Tag,
	}
	if c.Syslog.Level != "" {
		level, err := logrus.ParseLevel(c.Syslog.Level)
		if err != nil {
			return err
		}
		opt.Level = level
	}
	hook, err := nspool.NewSyslogHook(opt)
	if err != nil {
		return errors.Wrap(err, "failed to initialize syslog")
	}
	nspool.Log.AddHook(hook)
	return nil
}
