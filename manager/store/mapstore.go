package store

import (
	"net/netip"
	"sync"
	"time"

	"github.com/fleetwire/fleetwire/manager"
)

// MapStore is the in-memory Store used by tests. It mirrors the SQL
// store's semantics including the address unique index and the
// single-winner code redemption.
type MapStore struct {
	mu         sync.Mutex
	clients    map[string]*manager.Client
	codes      map[string]*manager.EnrollmentCode
	sessions   map[uint64]*manager.ConnectionSession
	codeSeq    uint64
	sessionSeq uint64
}

func NewMapStore() *MapStore {
	return &MapStore{
		clients:  make(map[string]*manager.Client),
		codes:    make(map[string]*manager.EnrollmentCode),
		sessions: make(map[uint64]*manager.ConnectionSession),
	}
}

func copyClient(c *manager.Client) *manager.Client {
	clientCopy := *c
	clientCopy.PrivateKeySealed = append([]byte(nil), c.PrivateKeySealed...)
	if c.LastSeenAt != nil {
		t := *c.LastSeenAt
		clientCopy.LastSeenAt = &t
	}
	if c.LastConfigFetchAt != nil {
		t := *c.LastConfigFetchAt
		clientCopy.LastConfigFetchAt = &t
	}
	return &clientCopy
}

func copyCode(c *manager.EnrollmentCode) *manager.EnrollmentCode {
	codeCopy := *c
	if c.RedeemedAt != nil {
		t := *c.RedeemedAt
		codeCopy.RedeemedAt = &t
	}
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		codeCopy.RevokedAt = &t
	}
	return &codeCopy
}

func copySession(s *manager.ConnectionSession) *manager.ConnectionSession {
	sessionCopy := *s
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		sessionCopy.DisconnectedAt = &t
	}
	return &sessionCopy
}

func (m *MapStore) CreateClient(client *manager.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.clients {
		if c.AssignedIP == client.AssignedIP {
			return manager.ErrAddressTaken
		}
	}
	client.CreatedAt = time.Now().UTC()
	client.UpdatedAt = client.CreatedAt
	m.clients[client.ID] = copyClient(client)
	return nil
}

func (m *MapStore) GetClients() (manager.Clients, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clients := make(manager.Clients, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, copyClient(c))
	}
	return clients, nil
}

func (m *MapStore) GetClientByID(id string) (*manager.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, manager.ErrNotFound
	}
	return copyClient(c), nil
}

func (m *MapStore) UpdateClient(client *manager.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return manager.ErrNotFound
	}
	client.UpdatedAt = time.Now().UTC()
	m.clients[client.ID] = copyClient(client)
	return nil
}

func (m *MapStore) DeleteClient(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[id]; !ok {
		return manager.ErrNotFound
	}
	delete(m.clients, id)
	return nil
}

func (m *MapStore) GetAllocatedIPs() ([]netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ips []netip.Addr
	for _, c := range m.clients {
		ips = append(ips, c.AssignedIP)
	}
	return ips, nil
}

func (m *MapStore) CreateCode(code *manager.EnrollmentCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.codeSeq++
	code.ID = m.codeSeq
	code.CreatedAt = time.Now().UTC()
	m.codes[code.Code] = copyCode(code)
	return nil
}

func (m *MapStore) GetCode(codeValue string) (*manager.EnrollmentCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[codeValue]
	if !ok {
		return nil, manager.ErrNotFound
	}
	return copyCode(c), nil
}

func (m *MapStore) GetActiveCode(clientID string, now time.Time) (*manager.EnrollmentCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *manager.EnrollmentCode
	for _, c := range m.codes {
		if c.ClientID == clientID && c.IsActive(now) {
			if newest == nil || c.ID > newest.ID {
				newest = c
			}
		}
	}
	if newest == nil {
		return nil, manager.ErrNotFound
	}
	return copyCode(newest), nil
}

func (m *MapStore) RedeemCode(codeValue string, now time.Time) (*manager.EnrollmentCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[codeValue]
	if !ok {
		return nil, manager.ErrNotFound
	}
	if !c.IsActive(now) {
		return copyCode(c), manager.ErrCodeNotRedeemable
	}
	t := now
	c.RedeemedAt = &t
	return copyCode(c), nil
}

func (m *MapStore) RevokeActiveCodes(clientID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.codes {
		if c.ClientID == clientID && c.IsActive(now) {
			t := now
			c.RevokedAt = &t
		}
	}
	return nil
}

func (m *MapStore) OpenSession(session *manager.ConnectionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessionSeq++
	session.ID = m.sessionSeq
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MapStore) CloseOpenSession(clientID string, at time.Time, bytesSent, bytesReceived uint64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := false
	for _, s := range m.sessions {
		if s.ClientID == clientID && s.DisconnectedAt == nil {
			t := at
			s.DisconnectedAt = &t
			s.BytesSent = bytesSent
			s.BytesReceived = bytesReceived
			s.DisconnectReason = reason
			closed = true
		}
	}
	return closed, nil
}

func (m *MapStore) GetOpenSession(clientID string) (*manager.ConnectionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.ClientID == clientID && s.DisconnectedAt == nil {
			return copySession(s), nil
		}
	}
	return nil, manager.ErrNotFound
}

func (m *MapStore) GetSessions(clientID string, limit int) ([]manager.ConnectionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []manager.ConnectionSession
	for i := m.sessionSeq; i > 0; i-- {
		s, ok := m.sessions[i]
		if !ok || s.ClientID != clientID {
			continue
		}
		sessions = append(sessions, *copySession(s))
		if limit > 0 && len(sessions) >= limit {
			break
		}
	}
	return sessions, nil
}

func (m *MapStore) Close() error {
	return nil
}
