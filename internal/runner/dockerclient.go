package runner

import (
	"fmt"
	"net/http"

	"github.com/docker/cli/cli/connhelper"
	"github.com/docker/docker/client"
)

// NewLocalDockerClient connects to the local daemon using the standard
// environment (DOCKER_HOST etc.).
func NewLocalDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("local docker client: %w", err)
	}
	return cli, nil
}

// SSHOptions selects the daemon's own credentials instead of anything in
// the operator's ssh config.
type SSHOptions struct {
	IdentityFile   string
	KnownHostsFile string
}

func (o SSHOptions) flags() []string {
	return []string{
		"-i", o.IdentityFile,
		"-o", "IdentitiesOnly=yes",
		"-o", "UserKnownHostsFile=" + o.KnownHostsFile,
		"-o", "StrictHostKeyChecking=yes",
		"-o", "BatchMode=yes",
	}
}

// NewSSHDockerClient connects to a remote daemon over ssh://user@host:port
// using the application-managed identity and known-hosts files.
func NewSSHDockerClient(sshURL string, opts SSHOptions) (*client.Client, error) {
	helper, err := connhelper.GetConnectionHelperWithSSHOpts(sshURL, opts.flags())
	if err != nil {
		return nil, fmt.Errorf("ssh connection helper for %s: %w", sshURL, err)
	}
	httpClient := &http.Client{
		Transport: &http.Transport{DialContext: helper.Dialer},
	}
	cli, err := client.NewClientWithOpts(
		client.WithHTTPClient(httpClient),
		client.WithHost(helper.Host),
		client.WithDialContext(helper.Dialer),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("remote docker client for %s: %w", sshURL, err)
	}
	return cli, nil
}
