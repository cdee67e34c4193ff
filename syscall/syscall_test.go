package syscall

import (
	"context"
	"testing"
	"time"

	"anillo/channel"
	"anillo/errs"
	"anillo/mapping"
	"anillo/monitor"
	"anillo/paging"
	"anillo/pmm"
	"anillo/proc"
	"anillo/vmm"
)

func newTestProcess(t *testing.T, arenaFrames, spacePages int) *proc.Process {
	t.Helper()
	arena, err := pmm.NewArena(arenaFrames)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	p := pmm.New(arena, 0)
	w := paging.NewWindow(arena)
	as, verr := vmm.New(p, w, nil, paging.VirtAddr(paging.UserMin), spacePages)
	if verr != errs.Ok {
		t.Fatalf("vmm.New: %v", verr)
	}
	return proc.New(nil, as)
}

func TestChannelRoundTripThroughDescriptors(t *testing.T) {
	p := newTestProcess(t, 64, 64)

	d0, d1, err := ChannelNewPair(p, 4)
	if err != errs.Ok {
		t.Fatalf("ChannelNewPair: %v", err)
	}

	msg := channel.Message{Body: []byte("hello")}
	if err := ChannelSend(context.Background(), p, d0, channel.Flags{}, msg); err != errs.Ok {
		t.Fatalf("ChannelSend: %v", err)
	}

	got, err := ChannelReceive(context.Background(), p, d1, channel.Flags{})
	if err != errs.Ok || string(got.Body) != "hello" {
		t.Fatalf("ChannelReceive: %v %q", err, got.Body)
	}

	if err := ChannelClose(p, d0); err != errs.Ok {
		t.Fatalf("ChannelClose d0: %v", err)
	}
	if err := ChannelClose(p, d1); err != errs.Ok {
		t.Fatalf("ChannelClose d1: %v", err)
	}
}

func TestServerChannelAcceptThroughDescriptors(t *testing.T) {
	p := newTestProcess(t, 64, 64)

	srvDid, err := ServerChannelNew(p, 2)
	if err != errs.Ok {
		t.Fatalf("ServerChannelNew: %v", err)
	}

	offerD0, _, err := ServerChannelOffer(context.Background(), p, srvDid, channel.Flags{}, 2)
	if err != errs.Ok {
		t.Fatalf("ServerChannelOffer: %v", err)
	}

	acceptD1, err := ServerChannelAccept(context.Background(), p, srvDid, channel.Flags{NoWait: true})
	if err != errs.Ok {
		t.Fatalf("ServerChannelAccept: %v", err)
	}

	msg := channel.Message{Body: []byte("ping")}
	if err := ChannelSend(context.Background(), p, offerD0, channel.Flags{}, msg); err != errs.Ok {
		t.Fatalf("ChannelSend: %v", err)
	}
	got, err := ChannelReceive(context.Background(), p, acceptD1, channel.Flags{})
	if err != errs.Ok || string(got.Body) != "ping" {
		t.Fatalf("ChannelReceive: %v %q", err, got.Body)
	}
}

func TestMappingBindAndMapWiresPageTable(t *testing.T) {
	p := newTestProcess(t, 64, 64)

	did, err := MappingNew(p, 4, mapping.Flags{})
	if err != errs.Ok {
		t.Fatalf("MappingNew: %v", err)
	}

	va, err := Map(p, did, 4, 0, 0)
	if err != errs.Ok {
		t.Fatalf("Map: %v", err)
	}
	mapped, ok := p.AddressSpace.Map.Translate(va)
	if !ok {
		t.Fatal("expected a live page table entry after Map")
	}

	if err := Unmap(p, va, 4); err != errs.Ok {
		t.Fatalf("Unmap: %v", err)
	}
	// The freed range's first page now holds the VMM's free-list header,
	// so only the mapping's own frame must be gone from va.
	if pte, ok := p.AddressSpace.Map.Translate(va); ok && pte.Present() && pte.Addr() == mapped.Addr() {
		t.Fatal("expected the mapping's frame to be unmapped after Unmap")
	}
}

func TestMappingBindIndirectThroughDescriptors(t *testing.T) {
	p := newTestProcess(t, 64, 64)

	backing, err := MappingNew(p, 4, mapping.Flags{})
	if err != errs.Ok {
		t.Fatalf("MappingNew backing: %v", err)
	}
	if err := MappingBind(p, backing, 0, 4, 0); err != errs.Ok {
		t.Fatalf("MappingBind: %v", err)
	}

	forwarder, err := MappingNew(p, 4, mapping.Flags{})
	if err != errs.Ok {
		t.Fatalf("MappingNew forwarder: %v", err)
	}
	if err := MappingBindIndirect(p, forwarder, 0, 4, backing, 0); err != errs.Ok {
		t.Fatalf("MappingBindIndirect: %v", err)
	}
}

func TestMonitorUpdateAndPollThroughDescriptors(t *testing.T) {
	p := newTestProcess(t, 64, 64)

	d0, d1, err := ChannelNewPair(p, 2)
	if err != errs.Ok {
		t.Fatalf("ChannelNewPair: %v", err)
	}

	monDid, err := MonitorCreate(p)
	if err != errs.Ok {
		t.Fatalf("MonitorCreate: %v", err)
	}

	ch, err := lookupChannel(p, d1)
	if err != errs.Ok {
		t.Fatalf("lookupChannel: %v", err)
	}

	results, err := MonitorUpdate(p, monDid, []monitor.ItemSpec{{
		Flags:     monitor.UpdateFlags{Create: true},
		Kind:      monitor.KindChannel,
		Monitored: monitor.EvMessageArrival,
		Channel:   monitor.NewChannelSource(ch.Endpoint),
	}})
	if err != errs.Ok || results[0].Err != errs.Ok {
		t.Fatalf("MonitorUpdate: %v %+v", err, results)
	}

	if err := ChannelSend(context.Background(), p, d0, channel.Flags{}, channel.Message{Body: []byte("x")}); err != errs.Ok {
		t.Fatalf("ChannelSend: %v", err)
	}

	events, err := MonitorPoll(context.Background(), p, monDid, nil, monitor.PollTimeout{Duration: 0})
	if err != errs.Ok || len(events) != 1 {
		t.Fatalf("MonitorPoll: %v %+v", err, events)
	}

	if err := MonitorClose(p, monDid); err != errs.Ok {
		t.Fatalf("MonitorClose: %v", err)
	}
}

func TestFutexWaitWakeThroughProcess(t *testing.T) {
	p := newTestProcess(t, 64, 64)
	value := uint32(0)
	addr := paging.VirtAddr(0x4000)

	done := make(chan errs.Err_t, 1)
	go func() {
		done <- FutexWait(context.Background(), p, addr, 0, func() uint32 { return value })
	}()

	time.Sleep(20 * time.Millisecond)
	value = 1
	FutexWake(p, addr, 1)

	select {
	case err := <-done:
		if err != errs.Ok {
			t.Fatalf("expected FutexWait to return Ok after wake, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("FutexWait never woke on FutexWake")
	}
}
