// Command mintadmin is an operator CLI against a live mintcored datadir:
// inspect a mint authorization by nonce, force-revoke one, or run an
// expiry sweep immediately. It opens the same bbolt file mintcored uses,
// so it must not be run concurrently against a datadir mintcored already
// has open (bbolt's file lock rejects a second writer).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rubinfoundry/mintcore/internal/domain"
	"github.com/rubinfoundry/mintcore/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "inspect":
		return runInspect(args[1:], stdout, stderr)
	case "revoke":
		return runRevoke(args[1:], stdout, stderr)
	case "sweep":
		return runSweep(args[1:], stdout, stderr)
	default:
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: mintadmin <inspect|revoke|sweep> -datadir <dir> [options]")
}

func runInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	datadir := fs.String("datadir", "", "mintcored data directory")
	nonce := fs.Uint64("nonce", 0, "mint authorization nonce")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	db, err := store.Open(*datadir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	record, err := db.GetAuthorization(*nonce)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "nonce %d not found: %v\n", *nonce, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "nonce=%d state=%s creator=%s contentHash=%s issuedAt=%s expiresAt=%s\n",
		record.Nonce, record.State, record.CreatorAddress, record.ContentHash,
		record.IssuedAt.Format(time.RFC3339), record.ExpiresAt.Format(time.RFC3339))
	if record.State == "used" || record.State == "registered" {
		_, _ = fmt.Fprintf(stdout, "  ipId=%s tokenId=%s txHash=%s\n", record.IPId, record.TokenID, record.TxHash)
	}
	if record.State == "registered" {
		_, _ = fmt.Fprintf(stdout, "  licenseTermsId=%s licenseType=%s royaltyPercent=%d\n",
			record.LicenseTermsID, record.LicenseType, record.RoyaltyPercent)
	}
	if record.State == "revoked" {
		_, _ = fmt.Fprintf(stdout, "  revokedReason=%s\n", record.RevokedReason)
	}
	return 0
}

func runRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	datadir := fs.String("datadir", "", "mintcored data directory")
	n := fs.Uint64("nonce", 0, "mint authorization nonce")
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	db, err := store.Open(*datadir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	reasonText := *reason
	if reasonText == "" {
		reasonText = "No reason provided."
	}
	result, ok, err := db.UpdateAuthorization(*n, func(cur domain.MintAuthorization, existed bool) (domain.MintAuthorization, bool, error) {
		if !existed || cur.State != domain.StatePending {
			return cur, false, nil
		}
		cur.State = domain.StateRevoked
		revokedAt := time.Now()
		cur.RevokedAt = &revokedAt
		cur.RevokedReason = reasonText
		return cur, true, nil
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "revoke failed: %v\n", err)
		return 2
	}
	if !ok {
		_, _ = fmt.Fprintf(stderr, "nonce %d is %s, not pending\n", *n, result.State)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "nonce %d revoked\n", *n)
	return 0
}

func runSweep(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	datadir := fs.String("datadir", "", "mintcored data directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	db, err := store.Open(*datadir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	count, err := db.SweepExpired(time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sweep failed: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "swept %d expired authorization(s)\n", count)
	return 0
}
