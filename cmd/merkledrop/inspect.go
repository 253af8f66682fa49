package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/core/claims"
	"merkledrop/core/cumulative"
	"merkledrop/core/distribution"
	"merkledrop/core/epoch"
	"merkledrop/crypto/merkle"
)

type violationOut struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type validateOut struct {
	Class      string         `json:"class"`
	Root       string         `json:"root"`
	Recipients int            `json:"recipients"`
	Valid      bool           `json:"valid"`
	Violations []violationOut `json:"violations,omitempty"`
}

// loadDistributor reads either an explicit file or the stored distributor for
// the epoch and class.
func loadDistributor(a *app, shared commonFlags, class, file string) (*claims.Distributor, error) {
	if strings.TrimSpace(class) == "" {
		return nil, errors.New("-class is required")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return claims.DecodeDistributor(data, claims.TokenClass(class))
	}
	key, err := shared.epochKey(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return a.files.ReadDistributor(key, claims.TokenClass(class))
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var shared commonFlags
	shared.register(fs)
	class := fs.String("class", "", "Token class of the distributor")
	file := fs.String("file", "", "Distributor file (default: the stored distributor for -epoch)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	a, err := newApp(shared, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer a.close()

	d, err := loadDistributor(a, shared, *class, *file)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	out := validateOut{Class: string(d.Class), Root: d.Root.Hex(), Recipients: len(d.Recipients), Valid: true}
	if err := distribution.Validate(d, distribution.Diagnostic); err != nil {
		out.Valid = false
		var verrs *distribution.ValidationErrors
		if errors.As(err, &verrs) {
			a.metrics.RecordViolations(string(d.Class), verrs.Counts())
			for _, v := range verrs.Violations {
				out.Violations = append(out.Violations, violationOut{Kind: v.Kind(), Message: v.Error()})
			}
		}
	}
	if err := writeJSON(stdout, out); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if !out.Valid {
		return exitFailed
	}
	return exitOK
}

type verifyOut struct {
	Address string   `json:"address"`
	Class   string   `json:"class"`
	Leaf    string   `json:"leaf"`
	Root    string   `json:"root"`
	Proof   []string `json:"proof"`
	Valid   bool     `json:"valid"`
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var shared commonFlags
	shared.register(fs)
	class := fs.String("class", "", "Token class of the distributor")
	file := fs.String("file", "", "Distributor file (default: the stored distributor for -epoch)")
	address := fs.String("address", "", "Recipient address")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	addr, err := claims.ParseAddress(*address)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	a, err := newApp(shared, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer a.close()

	d, err := loadDistributor(a, shared, *class, *file)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	entry, ok := d.Find(addr)
	if !ok {
		fmt.Fprintf(stderr, "Error: %s is not a recipient of %s\n", addr.Hex(), d.Class)
		return exitFailed
	}
	leaf, err := claims.LeafHash(entry.Recipient, d.Class)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	out := verifyOut{
		Address: addr.Hex(),
		Class:   string(d.Class),
		Leaf:    leaf.Hex(),
		Root:    d.Root.Hex(),
		Proof:   make([]string, len(entry.Proof)),
		Valid:   merkle.Verify(leaf, entry.Proof, d.Root),
	}
	for i, node := range entry.Proof {
		out.Proof[i] = node.Hex()
	}
	if err := writeJSON(stdout, out); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if !out.Valid {
		return exitFailed
	}
	return exitOK
}

func runShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var shared commonFlags
	shared.register(fs)
	address := fs.String("address", "", "Recipient address (default: list the epochs of every class)")
	version := fs.Uint64("version", 0, "Cumulative snapshot version (default: the latest cumulative file)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	var addr common.Address
	if *address != "" {
		parsed, err := claims.ParseAddress(*address)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		addr = parsed
	}
	a, err := newApp(shared, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer a.close()

	var idx cumulative.Index
	if *version > 0 {
		store, err := a.openSnapshots()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		snap, err := store.Get(*version)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailed
		}
		idx = snap.Index
	} else {
		idx, err = a.files.ReadCumulative()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailed
		}
	}
	if *address == "" {
		return printEpochs(stdout, stderr, idx)
	}
	return printEntries(stdout, stderr, idx, addr)
}

type epochsOut struct {
	Recipients int                    `json:"recipients"`
	Classes    map[string][]epoch.Key `json:"classes"`
}

func printEpochs(stdout, stderr io.Writer, idx cumulative.Index) int {
	out := epochsOut{Recipients: len(idx), Classes: make(map[string][]epoch.Key)}
	for _, class := range idx.Classes() {
		out.Classes[string(class)] = idx.Epochs(class)
	}
	if err := writeJSON(stdout, out); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	return exitOK
}

func printEntries(stdout, stderr io.Writer, idx cumulative.Index, addr common.Address) int {
	classes, ok := idx[addr]
	if !ok {
		fmt.Fprintf(stderr, "Error: no claims for %s\n", addr.Hex())
		return exitFailed
	}
	data, err := cumulative.Encode(cumulative.Index{addr: classes})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if _, err := stdout.Write(append(data, '\n')); err != nil {
		return exitUsage
	}
	return exitOK
}
