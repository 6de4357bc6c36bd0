package compdb

import (
	"database/sql"
	"fmt"
	"time"
)

// User maps a nostr pubkey to the encrypted key material the coordinator
// holds on the user's behalf. Username, password hash and encrypted nsec
// are only present for users registered through the username flow.
type User struct {
	NostrPubkey string

	Username     string
	PasswordHash string

	// EncryptedNsec is the user's nostr secret key, encrypted under
	// their password client-side. The coordinator never sees plaintext.
	EncryptedNsec string

	// EncryptedBitcoinPrivateKey is the user's bitcoin key material,
	// encrypted client-side.
	EncryptedBitcoinPrivateKey string

	Network   string
	CreatedAt time.Time
}

// HasPassword reports whether the user registered through the
// username+password flow.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// CreateUser registers a pubkey-only user. Registering the same pubkey
// again refreshes the stored key material rather than failing, so clients
// can re-register after key rotation.
func (d *DB) CreateUser(nostrPubkey, encryptedBitcoinPrivateKey,
	network string) (*User, error) {

	user := &User{
		NostrPubkey:                nostrPubkey,
		EncryptedBitcoinPrivateKey: encryptedBitcoinPrivateKey,
		Network:                    network,
		CreatedAt:                  d.now(),
	}

	_, err := d.writes.Exec(`
		INSERT INTO users (
			nostr_pubkey, encrypted_bitcoin_private_key, network,
			created_at
		) VALUES (?, ?, ?, ?)
		ON CONFLICT (nostr_pubkey) DO UPDATE SET
			encrypted_bitcoin_private_key = excluded.encrypted_bitcoin_private_key,
			network = excluded.network`,
		nostrPubkey, encryptedBitcoinPrivateKey, network,
		timeToDB(user.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create user: %w", err)
	}

	return user, nil
}

// CreateUsernameUser registers a user through the username+password flow.
func (d *DB) CreateUsernameUser(nostrPubkey, username, passwordHash,
	encryptedNsec, encryptedBitcoinPrivateKey, network string) (*User, error) {

	user := &User{
		NostrPubkey:                nostrPubkey,
		Username:                   username,
		PasswordHash:               passwordHash,
		EncryptedNsec:              encryptedNsec,
		EncryptedBitcoinPrivateKey: encryptedBitcoinPrivateKey,
		Network:                    network,
		CreatedAt:                  d.now(),
	}

	_, err := d.writes.Exec(`
		INSERT INTO users (
			nostr_pubkey, username, password_hash, encrypted_nsec,
			encrypted_bitcoin_private_key, network, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nostrPubkey, username, passwordHash, encryptedNsec,
		encryptedBitcoinPrivateKey, network, timeToDB(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("unable to create user: %w", err)
	}

	log.Infof("Registered user %v with username %v", nostrPubkey, username)

	return user, nil
}

const userColumns = `
	nostr_pubkey, username, password_hash, encrypted_nsec,
	encrypted_bitcoin_private_key, network, created_at`

// GetUser fetches a user by nostr pubkey.
func (d *DB) GetUser(nostrPubkey string) (*User, error) {
	row := d.reads.QueryRow(`
		SELECT`+userColumns+`
		FROM users WHERE nostr_pubkey = ?`, nostrPubkey)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	return user, err
}

// GetUserByUsername fetches a user by username.
func (d *DB) GetUserByUsername(username string) (*User, error) {
	row := d.reads.QueryRow(`
		SELECT`+userColumns+`
		FROM users WHERE username = ?`, username)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	return user, err
}

// UsernameExists reports whether a username is already registered.
func (d *DB) UsernameExists(username string) (bool, error) {
	var one int
	err := d.reads.QueryRow(
		`SELECT 1 FROM users WHERE username = ?`, username,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateUserPassword replaces a user's password hash and re-encrypted nsec
// in one write, used by both password change and password reset.
func (d *DB) UpdateUserPassword(nostrPubkey, passwordHash,
	encryptedNsec string) error {

	res, err := d.writes.Exec(`
		UPDATE users SET password_hash = ?, encrypted_nsec = ?
		WHERE nostr_pubkey = ?`,
		passwordHash, encryptedNsec, nostrPubkey,
	)
	if err != nil {
		return fmt.Errorf("unable to update password: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

func scanUser(row scanner) (*User, error) {
	var (
		user                      User
		username, passwordHash    sql.NullString
		encryptedNsec             sql.NullString
		createdAt                 string
	)

	err := row.Scan(
		&user.NostrPubkey, &username, &passwordHash, &encryptedNsec,
		&user.EncryptedBitcoinPrivateKey, &user.Network, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	user.Username = stringOrEmpty(username)
	user.PasswordHash = stringOrEmpty(passwordHash)
	user.EncryptedNsec = stringOrEmpty(encryptedNsec)

	if user.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, err
	}

	return &user, nil
}
