// Command filepipe-keygen manages the daemon's Ed25519 META-signing
// identity outside of daemon startup, adapted from the teacher's
// cmd/keygen (generate/show/export subcommands) onto internal/identity.
// internal/identity stores keys unencrypted (base64, 0600), so the
// passphrase-protection and key-export flags the teacher supported have
// no equivalent here and are dropped rather than faked.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"os"

	"github.com/strataflow/filepipe/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("filepipe-keygen - identity key management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  filepipe-keygen generate [-keys-dir DIR]  - create (or load) the identity keypair")
	fmt.Println("  filepipe-keygen show [-keys-dir DIR]      - print the public key and its fingerprint")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	keysDir := fs.String("keys-dir", "", "key storage directory (default ~/.filepipe)")
	fs.Parse(args)

	id, err := identity.LoadOrCreate(*keysDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate identity: %v\n", err)
		os.Exit(1)
	}

	printIdentity(id.Public)
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	keysDir := fs.String("keys-dir", "", "key storage directory (default ~/.filepipe)")
	fs.Parse(args)

	id, err := identity.LoadOrCreate(*keysDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load identity: %v\n", err)
		fmt.Fprintln(os.Stderr, "run 'filepipe-keygen generate' first")
		os.Exit(1)
	}

	printIdentity(id.Public)
}

func printIdentity(pub []byte) {
	hash := sha256.Sum256(pub)
	fmt.Println("Public Key:")
	fmt.Printf("  %s\n", identity.PublicKeyString(pub))
	fmt.Println()
	fmt.Println("Fingerprint:")
	fmt.Printf("  SHA256:%x\n", hash[:8])
}
