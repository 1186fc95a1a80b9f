// Package main is the entry point for the tunnelsub binary.
//
// tunnelsub exposes local proxy inbounds (vless:// and vmess:// share links
// with ws or grpc transport) through public tunnel providers such as
// cloudflared, zrok, localtunnel, pinggy and tailscale funnel, and publishes
// the rewritten links as a subscription.
//
// When invoked without arguments, it launches the terminal dashboard. The
// subcommands run headless or inspect configuration:
//
//	tunnelsub                         # dashboard
//	tunnelsub run                     # start tunnels, print and write the subscription
//	tunnelsub providers               # show which providers are usable
//	tunnelsub doctor                  # diagnose config, links and permissions
//	tunnelsub descriptor inspect URL  # show the fields of a share link
//	tunnelsub events                  # read the lifecycle journal
package main

import (
	"fmt"
	"os"

	"github.com/treykane/tunnelsub/internal/cli"
	"github.com/treykane/tunnelsub/internal/security"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, security.UserMessage(err, true))
		os.Exit(1)
	}
}
