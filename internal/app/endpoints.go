package app

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"price-pusher/internal/chain"
	"price-pusher/internal/config"
	"price-pusher/internal/rpchealth"
)

type endpointStatus struct {
	Network string
	Result  rpchealth.ProbeResult
	Err     error
}

// CheckEndpoints probes every RPC endpoint of every configured network and
// of the chainlink fetchers. It fails when the active network has no
// endpoint answering with the expected chain id.
func (a *App) CheckEndpoints(ctx context.Context, w io.Writer) error {
	return a.checkEndpoints(ctx, w, chain.Dial)
}

func (a *App) checkEndpoints(ctx context.Context, w io.Writer, dial rpchealth.Dialer[chain.Backend]) error {
	type job struct {
		network  string
		endpoint string
		chainID  int64
	}

	var jobs []job
	names := make([]string, 0, len(a.Config.Network.Networks))
	for name := range a.Config.Network.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target := a.Config.Network.Networks[name]
		for _, endpoint := range target.RPCURLs {
			jobs = append(jobs, job{network: name, endpoint: endpoint, chainID: target.ChainID})
		}
	}
	for _, fc := range a.Config.Fetchers {
		if fc.RPCURL != "" {
			jobs = append(jobs, job{network: "fetcher:" + fc.Name, endpoint: fc.RPCURL})
		}
	}

	statuses := make([]endpointStatus, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, j := range jobs {
		g.Go(func() error {
			res, err := rpchealth.Probe(gctx, j.endpoint, dial, a.Config.Network.RequestTimeout)
			if err == nil && j.chainID > 0 && res.ChainID.Cmp(big.NewInt(j.chainID)) != 0 {
				err = fmt.Errorf("chain id %s, want %d", res.ChainID, j.chainID)
			}
			statuses[i] = endpointStatus{Network: j.network, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := renderEndpoints(w, statuses); err != nil {
		return err
	}

	if a.Config.Publisher.Target != config.TargetOnchain || a.Config.Network.Active == "" {
		return nil
	}
	for _, s := range statuses {
		if strings.EqualFold(s.Network, a.Config.Network.Active) && s.Err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w for network %s", rpchealth.ErrNoHealthyEndpoint, a.Config.Network.Active)
}

func renderEndpoints(w io.Writer, statuses []endpointStatus) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Network\tEndpoint\tChain\tBlock\tLatency\tStatus")
	for _, s := range statuses {
		if s.Err != nil {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\t%s\n", s.Network, s.Result.Endpoint, sanitizeInline(s.Err.Error()))
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\tok\n",
			s.Network,
			s.Result.Endpoint,
			s.Result.ChainID,
			s.Result.Block,
			s.Result.Latency.Round(time.Millisecond),
		)
	}
	return writer.Flush()
}
