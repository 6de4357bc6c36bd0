package main

import (
	"encoding/pem"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
)

// coordinatorKeyPEMType is the PEM block type of the coordinator's
// identity key.
const coordinatorKeyPEMType = "EC PRIVATE KEY"

// loadOrCreateCoordinatorKey reads the coordinator's private key from the
// given PEM file, generating and persisting a fresh key on first run. The
// key signs oracle requests and sits on the coordinator's side of every
// escrow output.
func loadOrCreateCoordinatorKey(keyFile string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(keyFile)
	switch {
	case os.IsNotExist(err):
		return createCoordinatorKey(keyFile)

	case err != nil:
		return nil, fmt.Errorf("unable to read key file: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != coordinatorKeyPEMType {
		return nil, fmt.Errorf("key file %v is not a %v PEM block",
			keyFile, coordinatorKeyPEMType)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("key file %v holds a malformed key",
			keyFile)
	}

	priv, _ := btcec.PrivKeyFromBytes(block.Bytes)
	return priv, nil
}

// createCoordinatorKey generates a fresh key and writes it out with
// owner-only permissions.
func createCoordinatorKey(keyFile string) (*btcec.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("unable to generate key: %w", err)
	}

	keyBytes := priv.Serialize()
	defer func() {
		for i := range keyBytes {
			keyBytes[i] = 0
		}
	}()

	encoded := pem.EncodeToMemory(&pem.Block{
		Type:  coordinatorKeyPEMType,
		Bytes: keyBytes,
	})

	if err := os.WriteFile(keyFile, encoded, 0600); err != nil {
		return nil, fmt.Errorf("unable to write key file: %w", err)
	}

	cordLog.Infof("Generated new coordinator key at %v", keyFile)

	return priv, nil
}
