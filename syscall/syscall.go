// Package syscall is the thin ABI dispatch surface binding the
// process/descriptor substrate to the channel, mapping, and monitor
// primitives. Each function
// here mirrors one syscall: it resolves a descriptor through the
// calling process's DescriptorTable, does the minimum argument
// checking a kernel entry point owes its caller, and delegates to the
// underlying package. No scheduler or process-creation machinery lives
// here — process lifecycle is driven directly through proc.New/
// Process.Retain/Release by whatever embeds this package (cmd/anillosim,
// in this tree).
package syscall

import (
	"context"

	"anillo/channel"
	"anillo/config"
	"anillo/errs"
	"anillo/mapping"
	"anillo/monitor"
	"anillo/paging"
	"anillo/pmm"
	"anillo/proc"
)

// channelHandle is the descriptor-table object for one endpoint of a
// channel pair. It carries IsC0 because only c0 participates in a
// pair's destruction refcount: duplicating a
// descriptor onto c0 takes an extra destruction ref, duplicating one
// onto c1 does not.
type channelHandle struct {
	Pair     *channel.Pair
	Endpoint *channel.Endpoint
	IsC0     bool
}

type channelVTable struct{}

func (channelVTable) Retain(obj interface{}) {
	h := obj.(*channelHandle)
	if h.IsC0 {
		h.Pair.RetainC0()
	}
}

func (channelVTable) Release(obj interface{}) {
	h := obj.(*channelHandle)
	h.Endpoint.Close()
	if h.IsC0 {
		h.Pair.ReleaseC0()
	}
}

type serverChannelVTable struct{}

func (serverChannelVTable) Retain(interface{}) {}

func (serverChannelVTable) Release(obj interface{}) {
	obj.(*channel.ServerChannel).Close()
}

type mappingVTable struct{}

func (mappingVTable) Retain(obj interface{}) { obj.(*mapping.Mapping).Retain() }

func (mappingVTable) Release(obj interface{}) { obj.(*mapping.Mapping).Release() }

type monitorVTable struct{}

func (monitorVTable) Retain(interface{}) {}

func (monitorVTable) Release(obj interface{}) {
	obj.(*monitor.Monitor).Close()
}

// ProcessCurrent returns p's own pid.
func ProcessCurrent(p *proc.Process) errs.Pid_t {
	return p.ID
}

// ChannelNewPair creates a fresh pair and installs both ends as
// descriptors in p.
func ChannelNewPair(p *proc.Process, capacity int) (errs.Did_t, errs.Did_t, errs.Err_t) {
	pair, err := channel.NewPair(capacity)
	if err != errs.Ok {
		return 0, 0, err
	}

	d0, err := p.Descriptors.Install(&channelHandle{Pair: pair, Endpoint: pair.C0, IsC0: true}, channelVTable{})
	if err != errs.Ok {
		return 0, 0, err
	}
	d1, err := p.Descriptors.Install(&channelHandle{Pair: pair, Endpoint: pair.C1, IsC0: false}, channelVTable{})
	if err != errs.Ok {
		p.Descriptors.Uninstall(d0)
		return 0, 0, err
	}
	return d0, d1, errs.Ok
}

func lookupChannel(p *proc.Process, did errs.Did_t) (*channelHandle, errs.Err_t) {
	obj, _, err := p.Descriptors.Lookup(did, false)
	if err != errs.Ok {
		return nil, err
	}
	h, ok := obj.(*channelHandle)
	if !ok {
		return nil, errs.InvalidArgument
	}
	return h, errs.Ok
}

// ChannelSend sends msg through did.
func ChannelSend(ctx context.Context, p *proc.Process, did errs.Did_t, flags channel.Flags, msg channel.Message) errs.Err_t {
	h, err := lookupChannel(p, did)
	if err != errs.Ok {
		return err
	}
	return h.Endpoint.Send(ctx, flags, msg)
}

// ChannelReceive receives from did.
func ChannelReceive(ctx context.Context, p *proc.Process, did errs.Did_t, flags channel.Flags) (channel.Message, errs.Err_t) {
	h, err := lookupChannel(p, did)
	if err != errs.Ok {
		return channel.Message{}, err
	}
	return h.Endpoint.Receive(ctx, flags)
}

// ChannelClose uninstalls did.
func ChannelClose(p *proc.Process, did errs.Did_t) errs.Err_t {
	return p.Descriptors.Uninstall(did)
}

// ChannelDetachForTransfer removes attachDid from p's table without
// releasing it and returns a channel.Attachment ready to ride along in a
// Send call: the attached endpoint's descriptor no longer exists in p,
// matching channel.Message's assumption that a channel attachment's
// reference has already moved out of the sender before Send runs.
func ChannelDetachForTransfer(p *proc.Process, attachDid errs.Did_t) (channel.Attachment, errs.Err_t) {
	obj, _, err := p.Descriptors.Detach(attachDid)
	if err != errs.Ok {
		return channel.Attachment{}, err
	}
	h, ok := obj.(*channelHandle)
	if !ok {
		return channel.Attachment{}, errs.InvalidArgument
	}
	return channel.Attachment{Kind: channel.AttachmentChannel, Endpoint: h.Endpoint}, errs.Ok
}

// MappingAttachmentFor builds a channel.Attachment transferring mapping
// did, for use as one entry of a Send call's Message.Attachments. Unlike
// a channel attachment, the sender keeps its own did: channel.Send's
// move-in step takes the extra reference the receiver needs, so
// did is only looked up here, not detached.
func MappingAttachmentFor(p *proc.Process, did errs.Did_t, offset int) (channel.Attachment, errs.Err_t) {
	m, err := lookupMapping(p, did)
	if err != errs.Ok {
		return channel.Attachment{}, err
	}
	return channel.Attachment{Kind: channel.AttachmentMapping, Mapping: m, MapOff: offset}, errs.Ok
}

// InstallReceivedAttachments walks a just-received message's attachments
// and installs any transferred channel or mapping reference as a fresh
// descriptor in the receiving process p, returning one did per
// attachment (0 for an AttachmentBuffer entry, which has nothing to
// install). The installation uses DescriptorTable.Attach rather than
// Install: the reference already moved (channel.Send's move-in step, or
// the detach that built the attachment), so installing it must not take
// a second retain.
func InstallReceivedAttachments(p *proc.Process, msg channel.Message) ([]errs.Did_t, errs.Err_t) {
	dids := make([]errs.Did_t, len(msg.Attachments))
	for i, a := range msg.Attachments {
		switch a.Kind {
		case channel.AttachmentChannel:
			handle := &channelHandle{Pair: a.Endpoint.Pair(), Endpoint: a.Endpoint, IsC0: a.Endpoint.IsC0()}
			did, err := p.Descriptors.Attach(handle, channelVTable{})
			if err != errs.Ok {
				return nil, err
			}
			dids[i] = did
		case channel.AttachmentMapping:
			did, err := p.Descriptors.Attach(a.Mapping, mappingVTable{})
			if err != errs.Ok {
				return nil, err
			}
			dids[i] = did
		case channel.AttachmentBuffer:
			// nothing to install
		}
	}
	return dids, errs.Ok
}

// ServerChannelNew creates a server channel with the given backlog and
// installs it as a descriptor.
func ServerChannelNew(p *proc.Process, backlog int) (errs.Did_t, errs.Err_t) {
	srv, err := channel.NewServerChannel(backlog)
	if err != errs.Ok {
		return 0, err
	}
	return p.Descriptors.Install(srv, serverChannelVTable{})
}

func lookupServerChannel(p *proc.Process, did errs.Did_t) (*channel.ServerChannel, errs.Err_t) {
	obj, _, err := p.Descriptors.Lookup(did, false)
	if err != errs.Ok {
		return nil, err
	}
	srv, ok := obj.(*channel.ServerChannel)
	if !ok {
		return nil, errs.InvalidArgument
	}
	return srv, errs.Ok
}

// ServerChannelOffer offers a freshly created client pair on did's
// backlog, returning the two descriptors installed in p for the new
// pair's endpoints (the caller is expected to hand d1 to whoever
// connects, and keep d0 for itself, or vice versa depending on role).
func ServerChannelOffer(ctx context.Context, p *proc.Process, did errs.Did_t, flags channel.Flags, capacity int) (errs.Did_t, errs.Did_t, errs.Err_t) {
	srv, err := lookupServerChannel(p, did)
	if err != errs.Ok {
		return 0, 0, err
	}
	pair, err := channel.NewPair(capacity)
	if err != errs.Ok {
		return 0, 0, err
	}
	if err := srv.Offer(ctx, flags, pair); err != errs.Ok {
		return 0, 0, err
	}
	d0, err := p.Descriptors.Install(&channelHandle{Pair: pair, Endpoint: pair.C0, IsC0: true}, channelVTable{})
	if err != errs.Ok {
		return 0, 0, err
	}
	d1, err := p.Descriptors.Install(&channelHandle{Pair: pair, Endpoint: pair.C1, IsC0: false}, channelVTable{})
	if err != errs.Ok {
		p.Descriptors.Uninstall(d0)
		return 0, 0, err
	}
	return d0, d1, errs.Ok
}

// ServerChannelAccept accepts one pending client pair offered on did,
// installing its c1 end (the server's own handle) as a descriptor in p.
func ServerChannelAccept(ctx context.Context, p *proc.Process, did errs.Did_t, flags channel.Flags) (errs.Did_t, errs.Err_t) {
	srv, err := lookupServerChannel(p, did)
	if err != errs.Ok {
		return 0, err
	}
	pair, err := srv.Accept(ctx, flags)
	if err != errs.Ok {
		return 0, err
	}
	return p.Descriptors.Install(&channelHandle{Pair: pair, Endpoint: pair.C1, IsC0: false}, channelVTable{})
}

// MappingNew creates a fresh shareable mapping object.
func MappingNew(p *proc.Process, pageCount int, flags mapping.Flags) (errs.Did_t, errs.Err_t) {
	m, err := mapping.New(p.AddressSpace.PMM(), pageCount, flags)
	if err != errs.Ok {
		return 0, err
	}
	return p.Descriptors.Install(m, mappingVTable{})
}

func lookupMapping(p *proc.Process, did errs.Did_t) (*mapping.Mapping, errs.Err_t) {
	obj, _, err := p.Descriptors.Lookup(did, false)
	if err != errs.Ok {
		return nil, err
	}
	m, ok := obj.(*mapping.Mapping)
	if !ok {
		return nil, errs.InvalidArgument
	}
	return m, errs.Ok
}

// MappingBind binds count slots of did starting at offset to phys.
func MappingBind(p *proc.Process, did errs.Did_t, offset, count int, phys uint64) errs.Err_t {
	m, err := lookupMapping(p, did)
	if err != errs.Ok {
		return err
	}
	return m.Bind(offset, count, pmm.PhysAddr(phys))
}

// MappingBindIndirect binds count slots of did to forward through
// otherDid starting at otherOffset.
func MappingBindIndirect(p *proc.Process, did errs.Did_t, offset, count int, otherDid errs.Did_t, otherOffset int) errs.Err_t {
	m, err := lookupMapping(p, did)
	if err != errs.Ok {
		return err
	}
	other, err := lookupMapping(p, otherDid)
	if err != errs.Ok {
		return err
	}
	return m.BindIndirect(offset, count, other, otherOffset)
}

// Map installs did's mapping into p's address space at a kernel-chosen
// virtual address: it reserves the virtual range,
// records it in the registry, and eagerly resolves and wires every
// slot's physical frame into the page table (lazier, fault-driven
// binding is left to mapping.Mapping.EnsureBound for a future demand-
// paging path; this entry point does the simple eager thing).
func Map(p *proc.Process, did errs.Did_t, pageCount int, alignmentPower uint, prot uint64) (paging.VirtAddr, errs.Err_t) {
	m, err := lookupMapping(p, did)
	if err != errs.Ok {
		return 0, err
	}
	if m.PageCount() < pageCount {
		return 0, errs.InvalidArgument
	}
	va, err := p.AddressSpace.ReserveAny(pageCount, alignmentPower)
	if err != errs.Ok {
		return 0, err
	}
	entry := proc.RegistryEntry{VirtStart: va, PageCount: pageCount, Flags: prot, BackingMapping: m}
	if err := p.Mappings.Register(entry); err != errs.Ok {
		p.AddressSpace.FreeVirtual(va, pageCount)
		return 0, err
	}

	for i := 0; i < pageCount; i++ {
		pa, err := m.EnsureBound(i)
		if err != errs.Ok {
			p.Mappings.Unregister(va)
			p.AddressSpace.FreeVirtual(va, pageCount)
			return 0, err
		}
		pageVA := va + paging.VirtAddr(i)*config.PageSize
		if err := p.AddressSpace.Map.MapFixed(pageVA, pa, prot); err != errs.Ok {
			p.Mappings.Unregister(va)
			p.AddressSpace.FreeVirtual(va, pageCount)
			return 0, err
		}
	}

	m.Retain()
	return va, errs.Ok
}

// Unmap removes the mapping registered at virt.
func Unmap(p *proc.Process, virt paging.VirtAddr, pageCount int) errs.Err_t {
	entry, err := p.Mappings.Unregister(virt)
	if err != errs.Ok {
		return err
	}
	for i := 0; i < entry.PageCount; i++ {
		p.AddressSpace.Map.Unmap(virt + paging.VirtAddr(i)*config.PageSize)
	}
	entry.BackingMapping.Release()
	p.AddressSpace.FreeVirtual(virt, pageCount)
	return errs.Ok
}

// MonitorCreate creates an empty monitor and installs it as a
// descriptor.
func MonitorCreate(p *proc.Process) (errs.Did_t, errs.Err_t) {
	return p.Descriptors.Install(monitor.New(), monitorVTable{})
}

func lookupMonitor(p *proc.Process, did errs.Did_t) (*monitor.Monitor, errs.Err_t) {
	obj, _, err := p.Descriptors.Lookup(did, false)
	if err != errs.Ok {
		return nil, err
	}
	m, ok := obj.(*monitor.Monitor)
	if !ok {
		return nil, errs.InvalidArgument
	}
	return m, errs.Ok
}

// MonitorClose closes and uninstalls did.
func MonitorClose(p *proc.Process, did errs.Did_t) errs.Err_t {
	return p.Descriptors.Uninstall(did)
}

// MonitorUpdate applies specs to did's monitor.
func MonitorUpdate(p *proc.Process, did errs.Did_t, specs []monitor.ItemSpec) ([]monitor.UpdateResult, errs.Err_t) {
	m, err := lookupMonitor(p, did)
	if err != errs.Ok {
		return nil, err
	}
	return m.Update(specs)
}

// MonitorPoll blocks for events on did's monitor. A non-"none",
// non-zero-relative timeout is rejected with errs.Unsupported before
// ever reaching monitor.Poll, since only relative timeouts are
// implemented.
func MonitorPoll(ctx context.Context, p *proc.Process, did errs.Did_t, out []monitor.Event, timeout monitor.PollTimeout) ([]monitor.Event, errs.Err_t) {
	m, err := lookupMonitor(p, did)
	if err != errs.Ok {
		return nil, err
	}
	if !timeout.None && timeout.Duration != 0 {
		return nil, errs.Unsupported
	}
	return m.Poll(ctx, out, timeout)
}

// FutexWait blocks the caller on addr.
func FutexWait(ctx context.Context, p *proc.Process, addr paging.VirtAddr, expected uint32, load func() uint32) errs.Err_t {
	return p.Futexes.Wait(ctx, addr, expected, load)
}

// FutexWake wakes up to count waiters on addr.
func FutexWake(p *proc.Process, addr paging.VirtAddr, count int) int {
	return p.Futexes.Wake(addr, count)
}
