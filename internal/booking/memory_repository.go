package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. Every operation holds one
// mutex, which gives ClaimSlot the same single-row atomicity the SQL
// conditional update has. Used by tests and the in-process simulator.
type MemoryRepository struct {
	mu           sync.Mutex
	now          func() time.Time
	providers    map[uuid.UUID]Provider
	slots        map[uuid.UUID]Slot
	appointments map[uuid.UUID]Appointment
	events       []EventLog

	// Hooks let tests force store failures. They run under the lock.
	FailClaim   func(slotID uuid.UUID) error
	FailCreate  func(in NewAppointment) error
	FailRelease func(slotID uuid.UUID) error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:          time.Now,
		providers:    make(map[uuid.UUID]Provider),
		slots:        make(map[uuid.UUID]Slot),
		appointments: make(map[uuid.UUID]Appointment),
	}
}

// SetClock replaces the clock used for timestamps.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutProvider inserts or replaces a provider.
func (m *MemoryRepository) PutProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
}

// PutSlot inserts or replaces a slot as is.
func (m *MemoryRepository) PutSlot(s Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.ID] = s
}

// AppointmentsForSlot returns every appointment referencing slotID.
func (m *MemoryRepository) AppointmentsForSlot(slotID uuid.UUID) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.SlotID != nil && *a.SlotID == slotID {
			out = append(out, a)
		}
	}
	return out
}

// Events returns a copy of the event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventLog(nil), m.events...)
}

func (m *MemoryRepository) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) ClaimSlot(_ context.Context, slotID uuid.UUID) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailClaim != nil {
		if err := m.FailClaim(slotID); err != nil {
			return Claim{}, err
		}
	}

	s, ok := m.slots[slotID]
	if !ok || !s.IsAvailable {
		return Claim{RowsAffected: 0}, nil
	}

	now := m.now()
	s.IsAvailable = false
	s.ClaimedAt = &now
	s.UpdatedAt = now
	m.slots[slotID] = s

	return Claim{RowsAffected: 1, Slot: s}, nil
}

func (m *MemoryRepository) ReleaseSlot(_ context.Context, slotID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailRelease != nil {
		if err := m.FailRelease(slotID); err != nil {
			return err
		}
	}

	s, ok := m.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	s.IsAvailable = true
	s.ClaimedAt = nil
	s.UpdatedAt = m.now()
	m.slots[slotID] = s
	return nil
}

func (m *MemoryRepository) GetSlot(_ context.Context, slotID uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) ListAvailableSlots(_ context.Context, providerID uuid.UUID, since time.Time, limit int) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Slot
	for _, s := range m.slots {
		if s.ProviderID != providerID || !s.IsAvailable || s.StartTime.Before(since) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateSlots(_ context.Context, providerID uuid.UUID, windows []SlotWindow) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taken := make(map[time.Time]bool)
	for _, s := range m.slots {
		if s.ProviderID == providerID {
			taken[s.StartTime.UTC()] = true
		}
	}
	for _, w := range windows {
		if taken[w.StartTime.UTC()] {
			return nil, ErrSlotOverlap
		}
		taken[w.StartTime.UTC()] = true
	}

	now := m.now()
	out := make([]Slot, 0, len(windows))
	for _, w := range windows {
		s := Slot{
			ID:          uuid.New(),
			ProviderID:  providerID,
			StartTime:   w.StartTime,
			EndTime:     w.EndTime,
			IsAvailable: true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.slots[s.ID] = s
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryRepository) SetSlotAvailability(_ context.Context, providerID, slotID uuid.UUID, available bool) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[slotID]
	if !ok || s.ProviderID != providerID {
		return nil, ErrSlotNotFound
	}
	s.IsAvailable = available
	s.ClaimedAt = nil
	s.UpdatedAt = m.now()
	m.slots[slotID] = s
	return &s, nil
}

func (m *MemoryRepository) isOrphanLocked(s Slot, claimedBefore time.Time) bool {
	if s.IsAvailable || s.ClaimedAt == nil || !s.ClaimedAt.Before(claimedBefore) {
		return false
	}
	for _, a := range m.appointments {
		if a.SlotID != nil && *a.SlotID == s.ID {
			return false
		}
	}
	return true
}

func (m *MemoryRepository) FindOrphanedSlots(_ context.Context, claimedBefore time.Time, limit int) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Slot
	for _, s := range m.slots {
		if m.isOrphanLocked(s, claimedBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ReleaseOrphanedSlot(_ context.Context, slotID uuid.UUID, claimedBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[slotID]
	if !ok || !m.isOrphanLocked(s, claimedBefore) {
		return false, nil
	}
	s.IsAvailable = true
	s.ClaimedAt = nil
	s.UpdatedAt = m.now()
	m.slots[slotID] = s
	return true, nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, in NewAppointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		if err := m.FailCreate(in); err != nil {
			return nil, err
		}
	}

	now := m.now()
	slotID := in.SlotID
	a := Appointment{
		ID:         uuid.New(),
		PatientID:  in.PatientID,
		ProviderID: in.ProviderID,
		SlotID:     &slotID,
		StartTime:  in.StartTime,
		EndTime:    in.EndTime,
		Status:     StatusPending,
		Notes:      in.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.appointments[a.ID] = a
	return &a, nil
}

func (m *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) listAppointments(match func(Appointment) bool, limit, offset int) []Appointment {
	var out []Appointment
	for _, a := range m.appointments {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })

	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.listAppointments(func(a Appointment) bool {
		return a.PatientID == patientID
	}, limit, offset), nil
}

func (m *MemoryRepository) ListAppointmentsByProvider(_ context.Context, providerID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.listAppointments(func(a Appointment) bool {
		return a.ProviderID == providerID && (status == nil || a.Status == *status)
	}, limit, offset), nil
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = m.now()
	m.appointments[id] = a
	return &a, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = int64(len(m.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.events = append(m.events, ev)
	return nil
}
