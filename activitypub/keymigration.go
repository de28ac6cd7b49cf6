package activitypub

import (
	"fmt"
	"log"

	"github.com/perchnet/perch/db"
	"github.com/perchnet/perch/util"
)

// MigrateLegacyKeys re-encodes stored PKCS#1 keypairs as PKCS#8 private and
// PKIX public PEMs. Runs once at startup; rows already in the modern
// encoding are left alone. The key material itself never changes, so
// published key ids stay valid.
func MigrateLegacyKeys(store *db.DB) error {
	accounts, err := store.ReadAccountsWithKeys()
	if err != nil {
		return fmt.Errorf("failed to list keyed accounts: %w", err)
	}
	migrated := 0
	for _, acc := range accounts {
		priv, pub, changed, err := reencodeKeypair(acc.PrivateKeyPem, acc.PublicKeyPem)
		if err != nil {
			log.Printf("Keys: skipping account %s: %v", acc.Username, err)
			continue
		}
		if !changed {
			continue
		}
		if err := store.UpdateAccountKeys(acc.Id, pub, priv); err != nil {
			return fmt.Errorf("failed to update keys for account %s: %w", acc.Username, err)
		}
		migrated++
	}

	actors, err := store.ReadLocalKeyedActors()
	if err != nil {
		return fmt.Errorf("failed to list keyed actors: %w", err)
	}
	for _, actor := range actors {
		priv, pub, changed, err := reencodeKeypair(actor.PrivateKeyPem, actor.PublicKeyPem)
		if err != nil {
			log.Printf("Keys: skipping actor %s: %v", actor.URI, err)
			continue
		}
		if !changed {
			continue
		}
		if err := store.UpdateActorKeys(actor.Id, pub, priv); err != nil {
			return fmt.Errorf("failed to update keys for actor %s: %w", actor.URI, err)
		}
		migrated++
	}

	if migrated > 0 {
		log.Printf("Keys: migrated %d legacy keypairs to PKCS#8/PKIX", migrated)
	}
	return nil
}

func reencodeKeypair(privPem, pubPem string) (string, string, bool, error) {
	priv, err := util.ConvertPrivateKeyToPKCS8(privPem)
	if err != nil {
		return "", "", false, err
	}
	pub := pubPem
	if pubPem != "" {
		pub, err = util.ConvertPublicKeyToPKIX(pubPem)
		if err != nil {
			return "", "", false, err
		}
	}
	return priv, pub, priv != privPem || pub != pubPem, nil
}
