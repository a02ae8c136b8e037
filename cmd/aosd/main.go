package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/config"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/lineage"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/reducer"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/snapshot"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/stepper"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/world"
)

// Exit codes for the control channel: 0 success, 2 a cap/policy denial
// was recorded, 3 schema validation failed, 4 the event's route could
// not be resolved, 5 the world is still replaying and cannot accept
// work yet.
const (
	exitOK                = 0
	exitGenericError      = 1
	exitDenied            = 2
	exitSchemaInvalid     = 3
	exitRoutingUnresolved = 4
	exitWorldBusy         = 5
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint, separated from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: aosd <tick|event-send|receipt-inject|state-get|journal-tail|journal-head|snapshot|baseline|trace>")
		return exitGenericError
	}

	switch args[1] {
	case "tick":
		return runTick(args[2:], stdout, stderr)
	case "event-send":
		return runEventSend(args[2:], stdout, stderr)
	case "receipt-inject":
		return runReceiptInject(args[2:], stdout, stderr)
	case "state-get":
		return runStateGet(args[2:], stdout, stderr)
	case "journal-tail":
		return runJournalTail(args[2:], stdout, stderr)
	case "journal-head":
		return runJournalHead(args[2:], stdout, stderr)
	case "snapshot":
		return runSnapshot(args[2:], stdout, stderr)
	case "baseline":
		return runBaseline(args[2:], stdout, stderr)
	case "trace":
		return runTrace(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		return exitGenericError
	}
}

// worldFlags are the flags every verb needs to locate and open a world:
// the manifest's authoring path, the world's on-disk directory
// (config.Load's AOS_WORLD_DIR default applies if omitted), and an
// optional adapter verification key file.
func worldFlags(fs *flag.FlagSet) (manifestPath *string, worldDir *string, adapterKeysPath *string) {
	manifestPath = fs.String("manifest", "manifest.json", "path to the manifest authoring file")
	worldDir = fs.String("world", "", "world directory (defaults to AOS_WORLD_DIR)")
	adapterKeysPath = fs.String("adapter-keys", "", "path to a JSON file of adapter verification keys")
	return
}

func openWorld(manifestPath, worldDir, adapterKeysPath string) (*world.World, error) {
	cfg := config.Load()
	if worldDir != "" {
		cfg.WorldDir = worldDir
	}
	return world.Open(context.Background(), world.Options{
		Config:          cfg,
		ManifestPath:    manifestPath,
		AdapterKeysPath: adapterKeysPath,
		CorrelationID:   uuid.NewString(),
	})
}

func runTick(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	report, err := w.Stepper.Tick(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "tick: %v\n", err)
		return exitGenericError
	}
	printJSON(stdout, report)
	return exitOK
}

func runEventSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("event-send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	schemaName := fs.String("schema", "", "fully qualified event schema name (REQUIRED)")
	payloadPath := fs.String("payload", "", "path to the event's authoring JSON, or - for stdin (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}
	if *schemaName == "" || *payloadPath == "" {
		fmt.Fprintln(stderr, "Error: --schema and --payload are required")
		return exitGenericError
	}

	payload, err := readAll(*payloadPath)
	if err != nil {
		fmt.Fprintf(stderr, "read payload: %v\n", err)
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	w.Stepper.Inbox().Enqueue(stepper.Item{
		Kind:        stepper.ItemDomainEvent,
		DomainEvent: stepper.DomainEventIn{Schema: *schemaName, AuthoringJSON: payload},
	})

	report, err := w.Stepper.Tick(context.Background())
	if err != nil {
		if fault, ok := errtax.As(err); ok {
			return exitCodeForFault(fault)
		}
		fmt.Fprintf(stderr, "tick: %v\n", err)
		return exitGenericError
	}
	printJSON(stdout, report)
	return exitOK
}

func runReceiptInject(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("receipt-inject", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	payloadPath := fs.String("receipt", "", "path to a JSON-encoded receipt envelope, or - for stdin (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}
	if *payloadPath == "" {
		fmt.Fprintln(stderr, "Error: --receipt is required")
		return exitGenericError
	}

	raw, err := readAll(*payloadPath)
	if err != nil {
		fmt.Fprintf(stderr, "read receipt: %v\n", err)
		return exitGenericError
	}
	var envelope receiptEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		fmt.Fprintf(stderr, "parse receipt: %v\n", err)
		return exitSchemaInvalid
	}
	intentHash, err := canon.ParseHash(envelope.IntentHash)
	if err != nil {
		fmt.Fprintf(stderr, "parse intent_hash: %v\n", err)
		return exitSchemaInvalid
	}
	in := stepper.ReceiptIn{
		IntentHash:  intentHash,
		AdapterID:   envelope.AdapterID,
		Status:      envelope.Status,
		PayloadCBOR: envelope.PayloadCBOR,
		Signature:   envelope.Signature,
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	w.Stepper.Inbox().Enqueue(stepper.Item{Kind: stepper.ItemReceipt, Receipt: in})
	report, err := w.Stepper.Tick(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "tick: %v\n", err)
		return exitGenericError
	}
	printJSON(stdout, report)
	return exitOK
}

func runStateGet(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("state-get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	reducerName := fs.String("reducer", "", "reducer module name (REQUIRED)")
	keyHex := fs.String("key-hash", "", "\"sha256:<hex>\" cell key hash, omit for the sentinel (unkeyed) cell")
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}
	if *reducerName == "" {
		fmt.Fprintln(stderr, "Error: --reducer is required")
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	key := reducer.CellKey{ReducerName: *reducerName, KeyHash: reducer.SentinelKeyHash}
	if *keyHex != "" {
		h, err := canon.ParseHash(*keyHex)
		if err != nil {
			fmt.Fprintf(stderr, "parse --key-hash: %v\n", err)
			return exitGenericError
		}
		key.KeyHash = h
	}

	state := w.Reducers.Cell(key)
	if state == nil {
		fmt.Fprintln(stderr, "no cell state for that reducer/key")
		return exitGenericError
	}
	fmt.Fprintln(stdout, string(state))
	return exitOK
}

func runJournalTail(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("journal-tail", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	fromSeq := fs.Uint64("from", 1, "first sequence number to show")
	limit := fs.Int("limit", 100, "maximum number of records to show")
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	records, err := w.Journal.Tail(*fromSeq, *limit, nil)
	if err != nil {
		fmt.Fprintf(stderr, "tail: %v\n", err)
		return exitGenericError
	}
	for _, r := range records {
		printJSON(stdout, journalRecordView{Seq: r.Seq, Kind: string(r.Kind), Hash: r.Hash.String()})
	}
	return exitOK
}

func runJournalHead(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("journal-head", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	fmt.Fprintln(stdout, w.Journal.Head())
	return exitOK
}

func runSnapshot(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	h, err := w.Stepper.ForceSnapshot(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "snapshot: %v\n", err)
		return exitGenericError
	}
	fmt.Fprintln(stdout, h.String())
	return exitOK
}

// runBaseline promotes an already-committed snapshot to a baseline
// restore anchor: the first journal position a future Open can skip
// straight to. It promotes whether or not intents are pending: when no
// intent awaits a receipt it records the snapshot's height as the
// receipt horizon, and otherwise leaves the horizon unset.
func runBaseline(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("baseline", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: aosd baseline <snapshot_hash>")
		return exitGenericError
	}
	snapshotHash, err := canon.ParseHash(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "parse snapshot_hash: %v\n", err)
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	var snap snapshot.Snapshot
	if err := w.Store.GetNode(context.Background(), snapshotHash, &snap); err != nil {
		fmt.Fprintf(stderr, "load snapshot: %v\n", err)
		return exitGenericError
	}

	var receiptHorizon *uint64
	if w.Effects.PendingCount() == 0 {
		h := snap.Height
		receiptHorizon = &h
	}

	b, err := snapshot.Promote(w.Journal, snapshotHash, snap.Height, receiptHorizon)
	if err != nil {
		fmt.Fprintf(stderr, "baseline: %v\n", err)
		return exitGenericError
	}
	printJSON(stdout, b)
	return exitOK
}

// runTrace reconstructs one domain event's causal lineage: the cap and
// policy decisions its effects produced, the receipts those intents
// collected, the events it raised, and (for a workflow target) the
// terminal result it fed. The event is located either by its content
// hash or by a schema plus a field value to correlate on.
func runTrace(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath, worldDir, adapterKeysPath := worldFlags(fs)
	schemaName := fs.String("schema", "", "event schema to search, used with --correlate-by/--value instead of a positional event hash")
	correlateBy := fs.String("correlate-by", "", "field name in the event's decoded value to match against --value")
	value := fs.String("value", "", "value --correlate-by must equal")
	if err := fs.Parse(args); err != nil {
		return exitGenericError
	}

	w, err := openWorld(*manifestPath, *worldDir, *adapterKeysPath)
	if err != nil {
		fmt.Fprintf(stderr, "open world: %v\n", err)
		return exitGenericError
	}
	defer w.Close(context.Background())

	var trace lineage.Trace
	if *schemaName != "" {
		if *correlateBy == "" {
			fmt.Fprintln(stderr, "Error: --correlate-by is required with --schema")
			return exitGenericError
		}
		trace, err = lineage.ForCorrelation(w.Journal, w.Manifest, *schemaName, *correlateBy, *value)
	} else {
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: aosd trace <event_hash> | trace --schema <s> --correlate-by <field> --value <v>")
			return exitGenericError
		}
		var eventHash canon.Hash
		eventHash, err = canon.ParseHash(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "parse event_hash: %v\n", err)
			return exitGenericError
		}
		trace, err = lineage.ForEvent(w.Journal, w.Manifest, eventHash)
	}
	if err != nil {
		fmt.Fprintf(stderr, "trace: %v\n", err)
		return exitGenericError
	}
	printJSON(stdout, trace)
	return exitOK
}

type journalRecordView struct {
	Seq  uint64 `json:"seq"`
	Kind string `json:"kind"`
	Hash string `json:"hash"`
}

// receiptEnvelope is the JSON shape a receipt-inject payload file takes
// on the control channel: intent_hash as the textual "sha256:<hex>"
// form rather than canon.Hash's raw byte array, and payload/signature
// as base64 (encoding/json's default for []byte).
type receiptEnvelope struct {
	IntentHash  string `json:"intent_hash"`
	AdapterID   string `json:"adapter_id"`
	Status      string `json:"status"`
	PayloadCBOR []byte `json:"payload_cbor"`
	Signature   []byte `json:"signature"`
}

func exitCodeForFault(fault *errtax.Fault) int {
	switch fault.Code {
	case errtax.SchemaValidation:
		return exitSchemaInvalid
	case errtax.RoutingUnresolved:
		return exitRoutingUnresolved
	case errtax.CapDenied, errtax.PolicyDenied, errtax.EffectNotAllowed:
		return exitDenied
	default:
		return exitGenericError
	}
}

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, string(b))
}

func readAll(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
