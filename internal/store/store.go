// Package store: sqlite persistence of paired peers and the discovery address cache.
package store

import (
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"dev.c0redev.peerlink/internal/service"
)

// AddrCacheExpiry: cached addresses older than this are dropped on read.
const AddrCacheExpiry = 3 * time.Hour

// DB wraps sqlite.
type DB struct {
	*sql.DB
	now func() time.Time
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peers (
			fingerprint TEXT PRIMARY KEY,
			device_name TEXT NOT NULL,
			paired_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS addr_cache (
			fingerprint TEXT PRIMARY KEY,
			addrs TEXT NOT NULL,
			port INTEGER NOT NULL,
			host_addr TEXT NOT NULL,
			seen_at TEXT NOT NULL
		);
	`)
	return err
}

// AddPeer pairs fingerprint; re-adding updates the device name.
func (db *DB) AddPeer(fingerprint, deviceName string) error {
	if fingerprint == "" {
		return fmt.Errorf("empty fingerprint")
	}
	now := db.now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`INSERT INTO peers (fingerprint, device_name, paired_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET device_name = excluded.device_name`, fingerprint, deviceName, now)
	return err
}

// RemovePeer unpairs; err if not found.
func (db *DB) RemovePeer(fingerprint string) error {
	res, err := db.Exec("DELETE FROM peers WHERE fingerprint = ?", fingerprint)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("peer not found")
	}
	return nil
}

// Peer returns the paired peer or nil.
func (db *DB) Peer(fingerprint string) (*service.PeerInfo, error) {
	var p service.PeerInfo
	var t string
	err := db.QueryRow("SELECT fingerprint, device_name, paired_at FROM peers WHERE fingerprint = ?", fingerprint).Scan(&p.Fingerprint, &p.DeviceName, &t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.PairedAt, _ = time.Parse(time.RFC3339, t)
	return &p, nil
}

// IsPaired reports whether fingerprint is a known peer; lookup errors count as unpaired.
func (db *DB) IsPaired(fingerprint string) bool {
	p, err := db.Peer(fingerprint)
	return err == nil && p != nil
}

// Peers sorted by device name.
func (db *DB) Peers() ([]service.PeerInfo, error) {
	rows, err := db.Query("SELECT fingerprint, device_name, paired_at FROM peers ORDER BY device_name, fingerprint")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []service.PeerInfo
	for rows.Next() {
		var p service.PeerInfo
		var t string
		if err := rows.Scan(&p.Fingerprint, &p.DeviceName, &t); err != nil {
			return nil, err
		}
		p.PairedAt, _ = time.Parse(time.RFC3339, t)
		list = append(list, p)
	}
	return list, rows.Err()
}

// CacheAddrs remembers where fingerprint was seen; hostAddr is our local address on that network.
func (db *DB) CacheAddrs(fingerprint string, addrs []string, port int, hostAddr string) error {
	if fingerprint == "" || len(addrs) == 0 {
		return nil
	}
	b, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	now := db.now().UTC().Format(time.RFC3339)
	_, err = db.Exec(`INSERT INTO addr_cache (fingerprint, addrs, port, host_addr, seen_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET addrs = excluded.addrs, port = excluded.port,
			host_addr = excluded.host_addr, seen_at = excluded.seen_at`,
		fingerprint, string(b), port, hostAddr, now)
	return err
}

// CachedAddrs returns the cached addresses if fresh and still reachable from one of hostAddrs.
// Expired entries are deleted.
func (db *DB) CachedAddrs(fingerprint string, hostAddrs []string) (addrs []string, port int, ok bool, err error) {
	var raw, hostAddr, seen string
	err = db.QueryRow("SELECT addrs, port, host_addr, seen_at FROM addr_cache WHERE fingerprint = ?", fingerprint).Scan(&raw, &port, &hostAddr, &seen)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	seenAt, _ := time.Parse(time.RFC3339, seen)
	if db.now().Sub(seenAt) > AddrCacheExpiry {
		_, err = db.Exec("DELETE FROM addr_cache WHERE fingerprint = ?", fingerprint)
		return nil, 0, false, err
	}
	if hostAddr != "" && !contains(hostAddrs, hostAddr) {
		// network changed since
		return nil, 0, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return nil, 0, false, err
	}
	return addrs, port, true, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
