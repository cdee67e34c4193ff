// Command anillosim boots the core kernel substrate in a single host
// process and drives it through its exercised end-to-end behaviors: a
// physical allocator round trip, channel ping-pong, handle transfer
// across a channel, monitor edge-triggering, ring backpressure, and
// full address-space teardown. It then serves a pprof-format
// introspection snapshot of the monitor it built over a Unix domain
// socket until interrupted.
//
// There is no scheduler or multi-process boot sequence here — everything
// runs in one goroutine tree, matching the role biscuit's own "build and
// tear down in-process" misc tooling plays rather than a real kernel's
// multi-stage boot.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"anillo/channel"
	"anillo/config"
	"anillo/errs"
	"anillo/klog"
	"anillo/mapping"
	"anillo/monitor"
	"anillo/paging"
	"anillo/pmm"
	"anillo/proc"
	"anillo/syscall"
	"anillo/vmm"

	stdsyscall "syscall"
)

func must(err errs.Err_t, what string) {
	if err != errs.Ok {
		panic(fmt.Sprintf("%s: %v", what, err))
	}
}

// substrate bundles the pieces a single simulated boot stands up: a
// locked-down physical arena, its PMM, the identity window used to reach
// page tables, and one process with its own address space to run
// demonstrations against.
type substrate struct {
	arena  *pmm.Arena
	phys   *pmm.PMM
	window *paging.Window
	proc   *proc.Process
}

func bootSubstrate(arenaPages, spacePages int) *substrate {
	arena, err := pmm.NewArena(arenaPages)
	if err != nil {
		panic(fmt.Sprintf("NewArena: %v", err))
	}
	if err := arena.Mlock(); err != nil {
		klog.Warn("arena: Mlock failed, demonstration pages may be swapped: %v", err)
	}

	phys := pmm.New(arena, 0)
	window := paging.NewWindow(arena)
	as, verr := vmm.New(phys, window, nil, paging.VirtAddr(paging.UserMin), spacePages)
	must(verr, "vmm.New")

	p := proc.New(nil, as)
	klog.Boot("anillosim: booted substrate (%d frames, %d KiB), process pid=%d", arena.Frames(), arena.Frames()*config.PageSize/1024, p.ID)
	return &substrate{arena: arena, phys: phys, window: window, proc: p}
}

// scenarioAllocateFreeRoundTrip implements the PMM round-trip behavior:
// allocate 4 pages then 8 from a 16-page region, free both, and expect
// the region to have coalesced back into a single order-4 block.
func scenarioAllocateFreeRoundTrip() {
	arena, err := pmm.NewArena(16)
	must(errFromGo(err), "NewArena")
	defer arena.Close()

	p := pmm.New(arena, 0)
	a, na, aerr := p.Allocate(4, pmm.AllocFlags{})
	must(aerr, "allocate 4")
	b, nb, berr := p.Allocate(8, pmm.AllocFlags{})
	must(berr, "allocate 8")

	p.Free(a, na)
	p.Free(b, nb)

	s := p.FreeSummary()
	if s.FreePages != 16 || s.ByOrder[4] != 1 {
		panic(fmt.Sprintf("allocate/free round trip: expected 16 free pages in one order-4 block, got %+v", s))
	}
	klog.Boot("scenario allocate/free round trip: ok (%+v)", s)
}

func errFromGo(err error) errs.Err_t {
	if err != nil {
		return errs.Unknown
	}
	return errs.Ok
}

// scenarioChannelPingPong implements the two-leg ping/pong exchange:
// c0 opens a conversation with "ping", c1 replies on the assigned
// conversation id with "pong", and c0 observes the reply correlated to
// its own message.
func scenarioChannelPingPong(p *proc.Process) {
	ctx := context.Background()
	d0, d1, err := syscall.ChannelNewPair(p, config.DefaultRingCapacity)
	must(err, "ChannelNewPair")
	defer syscall.ChannelClose(p, d0)
	defer syscall.ChannelClose(p, d1)

	must(syscall.ChannelSend(ctx, p, d0, channel.Flags{}, channel.Message{Body: []byte("ping")}), "send ping")

	got, rerr := syscall.ChannelReceive(ctx, p, d1, channel.Flags{})
	must(rerr, "receive ping")
	if string(got.Body) != "ping" || got.MessageID == 0 {
		panic(fmt.Sprintf("ping-pong: unexpected first message %+v", got))
	}
	m := got.ConversationID

	must(syscall.ChannelSend(ctx, p, d1, channel.Flags{}, channel.Message{ConversationID: m, Body: []byte("pong")}), "send pong")

	reply, rerr := syscall.ChannelReceive(ctx, p, d0, channel.Flags{})
	must(rerr, "receive pong")
	if reply.ConversationID != m || string(reply.Body) != "pong" {
		panic(fmt.Sprintf("ping-pong: unexpected reply %+v (want conversation %d)", reply, m))
	}
	klog.Boot("scenario channel ping-pong: ok (conversation %d)", m)
}

// scenarioHandleTransfer implements transferring a channel endpoint as a
// message attachment: c0 sends c1 a message carrying c2 (one end of a
// second pair); c1 installs the attachment as a fresh descriptor and
// confirms it is still peered with c3 by round-tripping a probe message.
func scenarioHandleTransfer(p *proc.Process) {
	ctx := context.Background()
	d0, d1, err := syscall.ChannelNewPair(p, config.DefaultRingCapacity)
	must(err, "ChannelNewPair c0/c1")
	defer syscall.ChannelClose(p, d0)
	defer syscall.ChannelClose(p, d1)

	d2, d3, err := syscall.ChannelNewPair(p, config.DefaultRingCapacity)
	must(err, "ChannelNewPair c2/c3")
	defer syscall.ChannelClose(p, d3)

	attachment, err := syscall.ChannelDetachForTransfer(p, d2)
	must(err, "detach c2 for transfer")

	must(syscall.ChannelSend(ctx, p, d0, channel.Flags{}, channel.Message{
		Body:        []byte("handle"),
		Attachments: []channel.Attachment{attachment},
	}), "send with attachment")

	got, rerr := syscall.ChannelReceive(ctx, p, d1, channel.Flags{})
	must(rerr, "receive with attachment")
	if len(got.Attachments) != 1 {
		panic(fmt.Sprintf("handle transfer: expected one attachment, got %d", len(got.Attachments)))
	}

	dids, ierr := syscall.InstallReceivedAttachments(p, got)
	must(ierr, "install received attachments")
	newDid := dids[0]
	defer syscall.ChannelClose(p, newDid)

	must(syscall.ChannelSend(ctx, p, newDid, channel.Flags{}, channel.Message{Body: []byte("probe")}), "probe through transferred handle")
	probe, perr := syscall.ChannelReceive(ctx, p, d3, channel.Flags{})
	must(perr, "receive probe on c3")
	if string(probe.Body) != "probe" {
		panic(fmt.Sprintf("handle transfer: transferred handle not peered with c3, got %+v", probe))
	}
	klog.Boot("scenario handle transfer: ok (new did %d peered with c3)", newDid)
}

// scenarioMonitorEdge implements edge-triggered channel message-arrival
// notification: an armed item fires once per Send, never re-fires while
// the queue stays non-empty, and draining the queue by hand produces no
// further events.
func scenarioMonitorEdge() {
	pair, err := channel.NewPair(config.DefaultRingCapacity)
	must(err, "NewPair")
	m := monitor.New()
	defer m.Close()

	results, uerr := m.Update([]monitor.ItemSpec{{
		Flags:         monitor.UpdateFlags{Create: true},
		Kind:          monitor.KindChannel,
		Monitored:     monitor.EvMessageArrival,
		EdgeTriggered: true,
		Channel:       monitor.NewChannelSource(pair.C1),
	}})
	must(uerr, "monitor.Update")
	if len(results) != 1 || results[0].Err != errs.Ok {
		panic(fmt.Sprintf("monitor edge: create failed: %+v", results))
	}

	pollOnce := func(label string, wantEvent bool) {
		events, perr := m.Poll(context.Background(), nil, monitor.PollTimeout{Duration: 50 * time.Millisecond})
		got := perr == errs.Ok && len(events) > 0
		if got != wantEvent {
			panic(fmt.Sprintf("monitor edge: %s expected event=%v, got %v (events=%+v err=%v)", label, wantEvent, got, events, perr))
		}
	}

	pollOnce("before any send", false)
	must(pair.C0.Send(context.Background(), channel.Flags{}, channel.Message{Body: []byte("x")}), "send x")
	pollOnce("after one send", true)
	pollOnce("second poll, no new edge", false)

	must(pair.C0.Send(context.Background(), channel.Flags{}, channel.Message{Body: []byte("y")}), "send y")
	if _, rerr := pair.C1.Receive(context.Background(), channel.Flags{}); rerr != errs.Ok {
		panic(fmt.Sprintf("monitor edge: drain 1: %v", rerr))
	}
	if _, rerr := pair.C1.Receive(context.Background(), channel.Flags{}); rerr != errs.Ok {
		panic(fmt.Sprintf("monitor edge: drain 2: %v", rerr))
	}
	if _, rerr := pair.C1.Receive(context.Background(), channel.Flags{NoWait: true}); rerr != errs.TemporaryOutage {
		panic(fmt.Sprintf("monitor edge: expected empty ring after drain, got %v", rerr))
	}
	pollOnce("after manual drain", false)
	klog.Boot("scenario monitor edge: ok")
}

// scenarioBackpressure implements a ring-size-1 channel's no_wait
// contract: a second send without draining the first fails with
// temporary_outage, and succeeds again once the peer receives.
func scenarioBackpressure(p *proc.Process) {
	ctx := context.Background()
	d0, d1, err := syscall.ChannelNewPair(p, 1)
	must(err, "ChannelNewPair")
	defer syscall.ChannelClose(p, d0)
	defer syscall.ChannelClose(p, d1)

	must(syscall.ChannelSend(ctx, p, d0, channel.Flags{}, channel.Message{Body: []byte("a")}), "send a")

	if serr := syscall.ChannelSend(ctx, p, d0, channel.Flags{NoWait: true}, channel.Message{Body: []byte("b")}); serr != errs.TemporaryOutage {
		panic(fmt.Sprintf("backpressure: expected temporary_outage on full ring, got %v", serr))
	}

	got, rerr := syscall.ChannelReceive(ctx, p, d1, channel.Flags{})
	must(rerr, "receive a")
	if string(got.Body) != "a" {
		panic(fmt.Sprintf("backpressure: expected %q, got %q", "a", got.Body))
	}

	must(syscall.ChannelSend(ctx, p, d0, channel.Flags{NoWait: true}, channel.Message{Body: []byte("b")}), "send b after drain")
	klog.Boot("scenario backpressure: ok")
}

// scenarioSpaceTeardown implements destroying an address space that
// holds both an anonymous allocation and an installed shared mapping:
// every frame the space itself owns returns to the PMM, and the shared
// mapping's refcount only drops by the one reference this space held.
//
// AddressSpace has no single Destroy call, because it does not track
// which of its own ranges are anonymous versus mapping-backed — that
// bookkeeping lives one layer up, in proc.MappingRegistry. Tearing a
// space down fully is therefore this sequence: release every mapping
// installed through the registry (syscall.Unmap), free every remaining
// anonymous range by hand (vmm.AddressSpace.FreeBacked), then release
// the owning process.
func scenarioSpaceTeardown() {
	arena, err := pmm.NewArena(32)
	must(errFromGo(err), "NewArena")
	defer arena.Close()

	phys := pmm.New(arena, 0)
	window := paging.NewWindow(arena)
	as, verr := vmm.New(phys, window, nil, paging.VirtAddr(paging.UserMin), 32)
	must(verr, "vmm.New")
	p := proc.New(nil, as)

	anonVA, aerr := as.Allocate(3, 0, paging.PTE_P|paging.PTE_W)
	must(aerr, "allocate 3 anonymous pages")

	shared, merr := mapping.New(phys, 2, mapping.Flags{})
	must(merr, "mapping.New")
	must(shared.Bind(0, 2, 0), "bind shared mapping")

	mapDid, ierr := p.Descriptors.Install(shared, mappingVTableForDemo{})
	must(ierr, "install shared mapping descriptor")
	refsBefore := shared.Refs() // creation ref + the descriptor table's own retain from Install

	mappedAt, merr2 := syscall.Map(p, mapDid, shared.PageCount(), 0, paging.PTE_P|paging.PTE_W)
	must(merr2, "map shared mapping into space")

	if shared.Refs() != refsBefore+1 {
		panic(fmt.Sprintf("space teardown: expected Map to retain the mapping once, refs %d -> %d", refsBefore, shared.Refs()))
	}

	must(syscall.Unmap(p, mappedAt, shared.PageCount()), "unmap shared mapping")
	if shared.Refs() != refsBefore {
		panic(fmt.Sprintf("space teardown: expected refcount back to %d after unmap, got %d", refsBefore, shared.Refs()))
	}

	as.FreeBacked(anonVA, 3)
	p.Release()

	// The address space itself is now fully torn down: its 3 anonymous
	// pages are back, but shared's 2 pages are still live because shared
	// may be held by other spaces too — the space only ever owned one
	// reference to it, now dropped.
	afterSpace := phys.FreeSummary().FreePages
	if afterSpace != 30 {
		panic(fmt.Sprintf("space teardown: expected 30 frames free with the space gone but the shared mapping still alive, got %d", afterSpace))
	}

	shared.Release()
	afterShared := phys.FreeSummary().FreePages
	if afterShared != 32 {
		panic(fmt.Sprintf("space teardown: expected all 32 frames back once the shared mapping's last reference drops, got %d", afterShared))
	}
	klog.Boot("scenario space teardown: ok (refs %d -> %d, %d/%d frames free after space, %d/%d after mapping release)", refsBefore+1, refsBefore, afterSpace, 32, afterShared, 32)
}

// mappingVTableForDemo lets the driver install a Mapping it built
// directly (rather than through syscall.MappingNew) as a descriptor, so
// syscall.Map/Unmap can drive it the same way a real caller would.
type mappingVTableForDemo struct{}

func (mappingVTableForDemo) Retain(obj interface{})  { obj.(*mapping.Mapping).Retain() }
func (mappingVTableForDemo) Release(obj interface{}) { obj.(*mapping.Mapping).Release() }

// serveProfile listens on a Unix socket and writes one pprof-format
// snapshot of m's counters per accepted connection, the same D_PROF-
// style introspection shape biscuit exposes through a device file,
// served here over a socket instead.
func serveProfile(ctx context.Context, m *monitor.Monitor, socketPath string) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	klog.Boot("anillosim: serving pprof introspection on %s", socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go func() {
			defer conn.Close()
			if werr := m.PprofStats().Write(conn); werr != nil {
				klog.Warn("profile: write failed: %v", werr)
			}
		}()
	}
}

func main() {
	arenaPages := flag.Int("arena-pages", config.DefaultArenaPages, "simulated physical arena size, in pages")
	socketPath := flag.String("profile-socket", "/tmp/anillosim.prof.sock", "Unix socket path to serve pprof introspection on")
	flag.Parse()

	sub := bootSubstrate(*arenaPages, 4096)

	scenarioAllocateFreeRoundTrip()
	scenarioChannelPingPong(sub.proc)
	scenarioHandleTransfer(sub.proc)
	scenarioMonitorEdge()
	scenarioBackpressure(sub.proc)
	scenarioSpaceTeardown()

	introspect := monitor.New()
	defer introspect.Close()

	ctx, stop := signal.NotifyContext(context.Background(), stdsyscall.SIGINT, stdsyscall.SIGTERM)
	defer stop()

	if err := serveProfile(ctx, introspect, *socketPath); err != nil {
		klog.Warn("anillosim: profile server exited: %v", err)
	}
	klog.Boot("anillosim: shutting down")
}
