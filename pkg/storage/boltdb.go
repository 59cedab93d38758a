package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hutchhq/hutch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes          = []byte("nodes")
	bucketTokens         = []byte("enrollment_tokens")
	bucketTokenHashIndex = []byte("enrollment_token_hash_index")
	bucketCertificates   = []byte("certificates")
	bucketCertNodeIndex  = []byte("certificate_node_index")
	bucketReservations   = []byte("reservations")
	bucketResNodeIndex   = []byte("reservation_node_index")
	bucketAudit          = []byte("audit")
	bucketCA             = []byte("ca")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketTokens,
			bucketTokenHashIndex,
			bucketCertificates,
			bucketCertNodeIndex,
			bucketReservations,
			bucketResNodeIndex,
			bucketAudit,
			bucketCA,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// indexKey builds a composite key for the per-parent index buckets
func indexKey(parentID, childID string) []byte {
	return []byte(parentID + "/" + childID)
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(node.ID)) != nil {
			return fmt.Errorf("node %s already exists", node.ID)
		}
		node.Version = 1
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// UpdateNode writes the node if the presented Version matches the stored
// row, then bumps the version. Stale writers get ErrVersionConflict.
func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(node.ID))
		if data == nil {
			return fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
		}
		var current types.Node
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != node.Version {
			return fmt.Errorf("node %s: %w", node.ID, ErrVersionConflict)
		}
		node.Version++
		node.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), updated)
	})
}

// Enrollment token operations

func (s *BoltStore) CreateToken(token *types.EnrollmentToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		idx := tx.Bucket(bucketTokenHashIndex)
		if idx.Get([]byte(token.TokenHash)) != nil {
			return fmt.Errorf("token hash collision for %s", token.ID)
		}
		token.Version = 1
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(token.ID), data); err != nil {
			return err
		}
		return idx.Put([]byte(token.TokenHash), []byte(token.ID))
	})
}

func (s *BoltStore) GetTokenByID(id string) (*types.EnrollmentToken, error) {
	var token types.EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("token %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) ListTokensByOrg(orgID string) ([]*types.EnrollmentToken, error) {
	var tokens []*types.EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.EnrollmentToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if token.OrgID == orgID {
				tokens = append(tokens, &token)
			}
			return nil
		})
	})
	return tokens, err
}

// ConsumeToken marks the token matching tokenHash consumed in a single
// transaction. The usability check and the terminal write are not
// separable, so concurrent callers race on the transaction commit and
// exactly one observes a usable token.
func (s *BoltStore) ConsumeToken(tokenHash, nodeID string, now time.Time) (*types.EnrollmentToken, error) {
	var token types.EnrollmentToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketTokenHashIndex)
		id := idx.Get([]byte(tokenHash))
		if id == nil {
			return ErrTokenNotUsable
		}
		b := tx.Bucket(bucketTokens)
		data := b.Get(id)
		if data == nil {
			return ErrTokenNotUsable
		}
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		if !token.Usable(now) {
			return ErrTokenNotUsable
		}
		consumedAt := now
		token.ConsumedAt = &consumedAt
		token.ConsumedBy = nodeID
		token.Version++
		updated, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		return b.Put(id, updated)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) RevokeToken(orgID, tokenID string) (bool, error) {
	var changed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(tokenID))
		if data == nil {
			return fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
		}
		var token types.EnrollmentToken
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		if token.OrgID != orgID {
			return fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
		}
		if token.Revoked {
			return nil
		}
		token.Revoked = true
		token.Version++
		updated, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(tokenID), updated); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// Certificate operations

func (s *BoltStore) CreateCertificate(cert *types.NodeCertificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if b.Get([]byte(cert.Thumbprint)) != nil {
			return fmt.Errorf("certificate %s already exists", cert.Thumbprint)
		}
		cert.Version = 1
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(cert.Thumbprint), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketCertNodeIndex)
		return idx.Put(indexKey(cert.NodeID, cert.Thumbprint), []byte(cert.Thumbprint))
	})
}

func (s *BoltStore) GetCertificate(thumbprint string) (*types.NodeCertificate, error) {
	var cert types.NodeCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(thumbprint))
		if data == nil {
			return fmt.Errorf("certificate %s: %w", thumbprint, ErrNotFound)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificates() ([]*types.NodeCertificate, error) {
	var certs []*types.NodeCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var cert types.NodeCertificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
			return nil
		})
	})
	return certs, err
}

func (s *BoltStore) ListCertificatesByNode(nodeID string) ([]*types.NodeCertificate, error) {
	var certs []*types.NodeCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketCertNodeIndex)
		b := tx.Bucket(bucketCertificates)
		c := idx.Cursor()
		prefix := []byte(nodeID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := b.Get(v)
			if data == nil {
				continue
			}
			var cert types.NodeCertificate
			if err := json.Unmarshal(data, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
		}
		return nil
	})
	return certs, err
}

func (s *BoltStore) RevokeCertificate(thumbprint, reason string, now time.Time) (*types.NodeCertificate, error) {
	var cert types.NodeCertificate
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(thumbprint))
		if data == nil {
			return fmt.Errorf("certificate %s: %w", thumbprint, ErrNotFound)
		}
		if err := json.Unmarshal(data, &cert); err != nil {
			return err
		}
		if cert.RevokedAt != nil {
			// Revocation is terminal; repeat calls keep the first record.
			return nil
		}
		revokedAt := now
		cert.RevokedAt = &revokedAt
		cert.RevokeReason = reason
		cert.Version++
		updated, err := json.Marshal(&cert)
		if err != nil {
			return err
		}
		return b.Put([]byte(thumbprint), updated)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListRevokedThumbprints() ([]string, error) {
	var thumbprints []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var cert types.NodeCertificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.RevokedAt != nil {
				thumbprints = append(thumbprints, cert.Thumbprint)
			}
			return nil
		})
	})
	return thumbprints, err
}

func (s *BoltStore) DeleteCertificate(thumbprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(thumbprint))
		if data == nil {
			return nil
		}
		var cert types.NodeCertificate
		if err := json.Unmarshal(data, &cert); err != nil {
			return err
		}
		idx := tx.Bucket(bucketCertNodeIndex)
		if err := idx.Delete(indexKey(cert.NodeID, thumbprint)); err != nil {
			return err
		}
		return b.Delete([]byte(thumbprint))
	})
}

// Certificate authority key material

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("ca"), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("CA: %w", ErrNotFound)
		}
		// Copy: BoltDB data is only valid during the transaction
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// Reservation operations

func (s *BoltStore) CreateReservation(res *types.CapacityReservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		if b.Get([]byte(res.Token)) != nil {
			return fmt.Errorf("reservation %s already exists", res.Token)
		}
		res.Version = 1
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(res.Token), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketResNodeIndex)
		return idx.Put(indexKey(res.NodeID, res.Token), []byte(res.Token))
	})
}

func (s *BoltStore) GetReservation(token string) (*types.CapacityReservation, error) {
	var res types.CapacityReservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		data := b.Get([]byte(token))
		if data == nil {
			return fmt.Errorf("reservation %s: %w", token, ErrNotFound)
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) ListReservationsByNode(nodeID string) ([]*types.CapacityReservation, error) {
	var reservations []*types.CapacityReservation
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketResNodeIndex)
		b := tx.Bucket(bucketReservations)
		c := idx.Cursor()
		prefix := []byte(nodeID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := b.Get(v)
			if data == nil {
				continue
			}
			var res types.CapacityReservation
			if err := json.Unmarshal(data, &res); err != nil {
				return err
			}
			reservations = append(reservations, &res)
		}
		return nil
	})
	return reservations, err
}

func (s *BoltStore) ListActiveReservations() ([]*types.CapacityReservation, error) {
	var reservations []*types.CapacityReservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		return b.ForEach(func(k, v []byte) error {
			var res types.CapacityReservation
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			if res.State == types.ReservationActive {
				reservations = append(reservations, &res)
			}
			return nil
		})
	})
	return reservations, err
}

// TransitionReservation applies fn to the stored reservation inside one
// write transaction. BoltDB serializes writers, so of two racing
// transitions the second sees the first's terminal state and fn can
// reject it.
func (s *BoltStore) TransitionReservation(token string, fn func(*types.CapacityReservation) error) (*types.CapacityReservation, error) {
	var res types.CapacityReservation
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		data := b.Get([]byte(token))
		if data == nil {
			return fmt.Errorf("reservation %s: %w", token, ErrNotFound)
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		if err := fn(&res); err != nil {
			return err
		}
		res.Version++
		updated, err := json.Marshal(&res)
		if err != nil {
			return err
		}
		return b.Put([]byte(token), updated)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Audit operations

// auditKey yields keys that sort chronologically so a reverse cursor walk
// returns entries newest-first.
func auditKey(entry *types.AuditEntry) []byte {
	return []byte(entry.Timestamp.UTC().Format("20060102T150405.000000000") + "/" + entry.ID)
}

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(auditKey(entry), data)
	})
}

func (s *BoltStore) QueryAudit(filter *AuditFilter) ([]*types.AuditEntry, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 1
	}

	var entries []*types.AuditEntry
	total := 0
	skip := (page - 1) * limit

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		// Walk backwards: keys are chronological, pages are newest-first.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !matchAudit(&entry, filter) {
				continue
			}
			if total >= skip && len(entries) < limit {
				entries = append(entries, &entry)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func matchAudit(entry *types.AuditEntry, filter *AuditFilter) bool {
	if filter.OrgID != "" && entry.OrgID != filter.OrgID {
		return false
	}
	if filter.ActorID != "" && entry.ActorID != filter.ActorID {
		return false
	}
	if filter.Action != "" && !matchAction(filter.Action, entry.Action) {
		return false
	}
	if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
		return false
	}
	if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
		return false
	}
	if filter.Outcome != "" && entry.Outcome != filter.Outcome {
		return false
	}
	if filter.CorrelationID != "" && entry.CorrelationID != filter.CorrelationID {
		return false
	}
	if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
		return false
	}
	return true
}

// matchAction supports a trailing-star prefix wildcard ("capacity.*")
func matchAction(pattern, action string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(action, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == action
}
