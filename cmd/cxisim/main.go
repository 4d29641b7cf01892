// Command cxisim exercises a cxicore Endpoint against a simulated NIC: it
// posts a tagged receive, feeds back the PUT event the simulated hardware
// would have reported, and prints the resulting metrics snapshot. There is
// no real device underneath — iface.CommandQueue/CQBinding are this
// module's only contract with hardware, and cxicore's MockNIC fakes both.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/hpcfabric/cxicore"
	"github.com/hpcfabric/cxicore/internal/config"
	"github.com/hpcfabric/cxicore/internal/iface"
	"github.com/hpcfabric/cxicore/internal/logging"
	"github.com/hpcfabric/cxicore/internal/request"
)

func main() {
	var (
		tag     = flag.Uint64("tag", 42, "tag to post a receive for")
		verbose = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.New(logConfig)
	logging.SetDefault(logger)

	nic := cxicore.NewMockNIC()
	ep, err := cxicore.NewEndpoint(cxicore.Params{
		CQ:     nic,
		Config: config.Default(),
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("cxisim: failed to build endpoint: %v", err)
	}

	buf := make([]byte, 4096)
	req := request.NewRequest(request.KindReceive)
	req.UserBuf = uintptr(1) // simulated: a real buffer would be registered memory
	req.ULen = uint64(len(buf))
	req.Tag = *tag
	req.RecvFlags |= request.RecvFlagTagged

	res := ep.PostReceive(req, iface.MatchID{Wildcard: true})
	fmt.Printf("PostReceive(tag=%d) = %v\n", *tag, res)
	if res != iface.CmdSuccess {
		os.Exit(1)
	}

	// Simulate the NIC reporting delivery: an eager PUT landing in the
	// buffer we just appended, matching the posted tag exactly.
	ev := request.Event{
		Type:       request.EventPut,
		ReqID:      req.ID,
		ReturnCode: request.RCOk,
		MLength:    128,
		RLength:    128,
	}
	outcome, err := ep.HandleEvent(ev)
	if err != nil {
		log.Fatalf("cxisim: event dispatch reported a fatal condition: %v", err)
	}
	fmt.Printf("HandleEvent(PUT) outcome = %v\n", outcome)

	snap := ep.Metrics.Snapshot()
	fmt.Printf("completions: ok=%d canceled=%d trunc=%d error=%d\n",
		snap.CompletionsOK, snap.CompletionsCanceled, snap.CompletionsTrunc, snap.CompletionsError)
	fmt.Printf("endpoint state: %v\n", ep.State())
}
