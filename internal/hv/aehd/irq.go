package aehd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vmaccel/internal/hv"
)

var (
	// ErrNoSpace is returned when no GSI remains even after evicting
	// dynamic MSI routes.
	ErrNoSpace = errors.New("aehd: no free GSI")

	// ErrRouteNotFound is returned by UpdateMSIRoute for a GSI with no
	// route in the table. Callers must treat this as a hard error.
	ErrRouteNotFound = errors.New("aehd: no route for GSI")
)

// route is one entry of the authoritative routing table. The table is the
// single source of truth; the MSI hash cache is derived from it.
type route struct {
	gsi  uint32
	kind uint32

	// irqchip routes
	chip uint32
	pin  uint32

	// MSI routes
	addrLo uint32
	addrHi uint32
	data   uint32
}

// msiRoute is a cache entry for dynamically bound MSI routes, indexed by a
// hash of the message for dedup lookup on send.
type msiRoute struct {
	gsi    uint32
	addrLo uint32
	addrHi uint32
	data   uint32
}

// initIRQRouting sizes the GSI bitmap from the driver capability and
// resets the table. Called once when the in-kernel irqchip is created.
func (s *State) initIRQRouting() {
	gsiCount := s.CheckExtension(capIRQRouting) - 1
	if gsiCount > 0 {
		s.usedGSIs = newBitmap(gsiCount)
		s.gsiCount = gsiCount
	}

	// Geometric growth with a floor of 64 entries.
	s.routes = make([]route, 0, 64)
	s.msiCache = make(map[uint8][]*msiRoute)
}

const (
	routingHeaderSize = 8
	routingEntrySize  = 48
)

// commitRoutes serializes the whole route table and pushes it to the
// driver in one call. It must run after every structural change before
// SetIRQ or SendMSI act on the new state; the driver's view is otherwise
// stale.
func (s *State) commitRoutes() {
	buf := make([]byte, routingHeaderSize+len(s.routes)*routingEntrySize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(s.routes)))
	// flags stay zero

	for i, e := range s.routes {
		ent := buf[routingHeaderSize+i*routingEntrySize:]
		binary.LittleEndian.PutUint32(ent[0:], e.gsi)
		binary.LittleEndian.PutUint32(ent[4:], e.kind)
		// bytes 8..15: flags and padding, zero
		switch e.kind {
		case routeIRQChip:
			binary.LittleEndian.PutUint32(ent[16:], e.chip)
			binary.LittleEndian.PutUint32(ent[20:], e.pin)
		case routeMSI:
			binary.LittleEndian.PutUint32(ent[16:], e.addrLo)
			binary.LittleEndian.PutUint32(ent[20:], e.addrHi)
			binary.LittleEndian.PutUint32(ent[24:], e.data)
		}
	}

	if err := s.vm.Call(reqSetGSIRouting, buf, nil); err != nil {
		panic(fmt.Sprintf("aehd: set GSI routing: %v", err))
	}
}

// CommitRoutes pushes the current routing table to the driver.
func (s *State) CommitRoutes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitRoutes()
}

// addRoutingEntry appends the entry and marks its GSI used. The bitmap and
// the table move together within every mutating call.
func (s *State) addRoutingEntry(e route) {
	s.routes = append(s.routes, e)
	s.usedGSIs.set(int(e.gsi))
}

func (s *State) updateRoutingEntry(update route) error {
	for i := range s.routes {
		if s.routes[i].gsi != update.gsi {
			continue
		}
		if s.routes[i] == update {
			return nil
		}
		s.routes[i] = update
		return nil
	}
	return fmt.Errorf("%w %d", ErrRouteNotFound, update.gsi)
}

// AddIRQChipRoute binds a GSI to an interrupt controller pin. These routes
// are fixed at machine setup and never evicted.
func (s *State) AddIRQChipRoute(irq, chip, pin int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pin >= s.gsiCount {
		panic(fmt.Sprintf("aehd: irqchip pin %d out of range (%d GSIs)", pin, s.gsiCount))
	}

	s.addRoutingEntry(route{
		gsi:  uint32(irq),
		kind: routeIRQChip,
		chip: uint32(chip),
		pin:  uint32(pin),
	})
}

// releaseVirq removes the route for virq (swap-with-last, order is not
// preserved), drops any MSI cache entry, clears the GSI bit and runs the
// architecture post-release hook.
func (s *State) releaseVirq(virq int) {
	for i := 0; i < len(s.routes); i++ {
		if s.routes[i].gsi != uint32(virq) {
			continue
		}
		last := len(s.routes) - 1
		s.routes[i] = s.routes[last]
		s.routes = s.routes[:last]
		i--
	}

	for hash, bucket := range s.msiCache {
		kept := bucket[:0]
		for _, cached := range bucket {
			if cached.gsi != uint32(virq) {
				kept = append(kept, cached)
			}
		}
		if len(kept) == 0 {
			delete(s.msiCache, hash)
		} else {
			s.msiCache[hash] = kept
		}
	}

	s.usedGSIs.clear(virq)
	s.arch.ReleaseVirqPost(virq)
}

// ReleaseVirq releases a route obtained from AddMSIRoute or SendMSI.
func (s *State) ReleaseVirq(virq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseVirq(virq)
}

// hashMSI buckets a message by its interrupt vector; per the architecture
// manuals the lowest data byte carries it.
func hashMSI(data uint32) uint8 {
	return uint8(data)
}

// flushDynamicMSIRoutes evicts every lazily bound MSI route to reclaim GSI
// space. Legacy irqchip lines and explicitly added MSI routes survive.
func (s *State) flushDynamicMSIRoutes() {
	var gsis []int
	for _, bucket := range s.msiCache {
		for _, cached := range bucket {
			gsis = append(gsis, int(cached.gsi))
		}
	}
	for _, gsi := range gsis {
		s.releaseVirq(gsi)
	}
}

// getFreeVirq returns the lowest unused GSI. The PIC and IOAPIC share the
// first GSI numbers, so allocation can succeed while the route table is
// full; when the table reaches the GSI capacity, dynamic MSI routes are
// flushed first to free entries.
func (s *State) getFreeVirq() (int, error) {
	if len(s.routes) == s.gsiCount {
		s.flushDynamicMSIRoutes()
	}

	virq := s.usedGSIs.firstZero(s.gsiCount)
	if virq < 0 {
		return 0, ErrNoSpace
	}
	return virq, nil
}

// setIRQ raises or lowers a GSI line and returns the delivery status.
func (s *State) setIRQ(irq, level int) int {
	event := irqLevel{
		IRQOrStatus: uint32(irq),
		Level:       uint32(level),
	}

	if err := s.vm.Call(reqIRQLineStatus, rawBytes(&event), rawBytes(&event)); err != nil {
		panic(fmt.Sprintf("aehd: set irq %d: %v", irq, err))
	}
	return int(int32(event.IRQOrStatus))
}

// SetIRQ changes the level of a GSI line and returns the delivery status.
func (s *State) SetIRQ(irq, level int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setIRQ(irq, level)
}

func (s *State) lookupMSIRoute(msg hv.MSIMessage) *msiRoute {
	for _, cached := range s.msiCache[hashMSI(msg.Data)] {
		if cached.addrLo == uint32(msg.Address) &&
			cached.addrHi == uint32(msg.Address>>32) &&
			cached.data == msg.Data {
			return cached
		}
	}
	return nil
}

// SendMSI raises the interrupt for an MSI message. A route is lazily bound
// and committed on the first send for a given message signature; devices
// that never fire never consume a GSI.
func (s *State) SendMSI(msg hv.MSIMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := s.lookupMSIRoute(msg)
	if cached == nil {
		virq, err := s.getFreeVirq()
		if err != nil {
			return 0, err
		}

		cached = &msiRoute{
			gsi:    uint32(virq),
			addrLo: uint32(msg.Address),
			addrHi: uint32(msg.Address >> 32),
			data:   msg.Data,
		}

		s.addRoutingEntry(route{
			gsi:    cached.gsi,
			kind:   routeMSI,
			addrLo: cached.addrLo,
			addrHi: cached.addrHi,
			data:   cached.data,
		})
		s.commitRoutes()

		hash := hashMSI(msg.Data)
		s.msiCache[hash] = append(s.msiCache[hash], cached)
	}

	return s.setIRQ(int(cached.gsi), 1), nil
}

// AddMSIRoute binds a GSI for an MSI vector explicitly (PCI MSI/MSI-X
// setup). The returned virq stays bound until released; it is never
// evicted by the dynamic flush.
func (s *State) AddMSIRoute(vector int, msg hv.MSIMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	virq, err := s.getFreeVirq()
	if err != nil {
		return 0, err
	}

	s.addRoutingEntry(route{
		gsi:    uint32(virq),
		kind:   routeMSI,
		addrLo: uint32(msg.Address),
		addrHi: uint32(msg.Address >> 32),
		data:   msg.Data,
	})
	s.arch.AddMSIRoutePost(virq, vector)
	s.commitRoutes()

	return virq, nil
}

// UpdateMSIRoute retargets an existing MSI route in place. A byte-identical
// update is a no-op. The caller commits the table afterwards.
func (s *State) UpdateMSIRoute(virq int, msg hv.MSIMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateRoutingEntry(route{
		gsi:    uint32(virq),
		kind:   routeMSI,
		addrLo: uint32(msg.Address),
		addrHi: uint32(msg.Address >> 32),
		data:   msg.Data,
	})
}
