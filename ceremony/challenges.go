package ceremony

import (
	"errors"
	"sort"

	"github.com/jmcleod/gatekey/storage"
)

// Storage collections.
const (
	colChallenges = "challenges"
	colFiles      = "files"
)

// challengeStore persists registration challenges. Documents are keyed
// "<shareID>/<type>/<challengeID>" so one prefix scan retrieves every
// challenge for a share and ceremony type.
type challengeStore struct {
	repo storage.Repository
}

func challengeKey(shareID string, typ Type, id string) string {
	return shareID + "/" + string(typ) + "/" + id
}

func (cs *challengeStore) insert(ch *Challenge) error {
	doc, err := storage.Encode(ch, 1)
	if err != nil {
		return err
	}
	return cs.repo.Put(colChallenges, challengeKey(ch.ShareID, ch.Type, ch.ID), doc)
}

// latest returns the authoritative challenge for the share and ceremony type:
// newest createdAt wins, with descending challenge ID as the deterministic
// tie-break. Older challenges are simply ignored; retries abandon them to
// passive expiry. The stored version is returned for the consume CAS.
func (cs *challengeStore) latest(shareID string, typ Type) (*Challenge, uint64, error) {
	keys, err := cs.repo.List(colChallenges, shareID+"/"+string(typ)+"/")
	if err != nil {
		return nil, 0, err
	}

	type candidate struct {
		ch      Challenge
		version uint64
	}
	candidates := make([]candidate, 0, len(keys))
	for _, key := range keys {
		doc, err := cs.repo.Get(colChallenges, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, 0, err
		}
		var ch Challenge
		if err := storage.Decode(doc, &ch); err != nil {
			return nil, 0, err
		}
		candidates = append(candidates, candidate{ch: ch, version: doc.Version})
	}
	if len(candidates) == 0 {
		return nil, 0, ErrNoSession
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].ch, candidates[j].ch
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	winner := candidates[0]
	return &winner.ch, winner.version, nil
}

// consume writes the challenge back with used=true inside the given batch.
// The CAS against the version read at lookup time makes consume the single
// winner-determining write when two completions race the same challenge.
func (cs *challengeStore) consume(tx storage.BatchTx, ch *Challenge, version uint64) error {
	used := *ch
	used.Used = true
	doc, err := storage.Encode(&used, version+1)
	if err != nil {
		return err
	}
	return tx.PutCAS(colChallenges, challengeKey(ch.ShareID, ch.Type, ch.ID), version, doc)
}
