package pgctl

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
)

// HBALevel selects how permissive the generated pg_hba.conf entries are
// (spec.md §4.2).
type HBALevel int

const (
	HBAMinimal HBALevel = iota
	HBALan
	HBASkip
)

const hbaManagedMarker = "# managed by pg-ha-keeper"

// EditHBA rewrites the managed section of pg_hba.conf. It is idempotent: the
// managed block is delimited by hbaManagedMarker and fully replaced on every
// call, never appended to.
func (d *LocalDriver) EditHBA(ctx context.Context, level HBALevel) error {
	if level == HBASkip {
		return nil
	}
	path := filepath.Join(d.cfg.PGData, "pg_hba.conf")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return kerrors.New(kerrors.LocalDB, "edit_hba", "", "", err)
	}

	kept := stripManagedSection(existing)
	block := renderHBABlock(level)

	var out bytes.Buffer
	out.Write(kept)
	out.WriteString(block)

	if err := os.WriteFile(path, out.Bytes(), 0600); err != nil {
		return kerrors.New(kerrors.LocalDB, "edit_hba", "", "", err)
	}
	return d.Reload(ctx)
}

func stripManagedSection(content []byte) []byte {
	idx := bytes.Index(content, []byte(hbaManagedMarker))
	if idx < 0 {
		return content
	}
	return content[:idx]
}

func renderHBABlock(level HBALevel) string {
	block := hbaManagedMarker + "\n"
	switch level {
	case HBAMinimal:
		block += "host replication all 127.0.0.1/32 trust\n"
	case HBALan:
		block += "host replication all 0.0.0.0/0 md5\n"
		block += "host all all 0.0.0.0/0 md5\n"
	}
	return block
}

// CreateSelfSignedCert is a thin pass-through: TLS certificate generation is
// an explicit Non-goal (spec.md §1), so the driver only needs to satisfy the
// interface with a minimal, correct implementation rather than a full
// certificate-management feature (rotation, CA chains, etc. are out of
// scope).
func (d *LocalDriver) CreateSelfSignedCert(ctx context.Context, hostname string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "create_self_signed_cert", "", "", err)
	}
	serial, err := cryptorand.Int(cryptorand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "create_self_signed_cert", "", "", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(cryptorand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "create_self_signed_cert", "", "", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "create_self_signed_cert", "", "", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(filepath.Join(d.cfg.PGData, "server.crt"), certPEM, 0600); err != nil {
		return kerrors.New(kerrors.LocalDB, "create_self_signed_cert", "", "", err)
	}
	if err := os.WriteFile(filepath.Join(d.cfg.PGData, "server.key"), keyPEM, 0600); err != nil {
		return kerrors.New(kerrors.LocalDB, "create_self_signed_cert", "", "", err)
	}
	return nil
}

func readDir(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}
