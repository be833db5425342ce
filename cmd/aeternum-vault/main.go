// Command aeternum-vault is the CLI entry point for the vault kernel: a
// thin wrapper that wires config, keys, and the session package
// together rather than embedding any kernel logic of its own.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aeternum/vault-kernel/internal/devicekey"
	"github.com/aeternum/vault-kernel/internal/metastore"
	"github.com/aeternum/vault-kernel/pkg/aeternum/config"
	"github.com/aeternum/vault-kernel/pkg/aeternum/keys"
	"github.com/aeternum/vault-kernel/pkg/aeternum/logging"
	"github.com/aeternum/vault-kernel/pkg/aeternum/session"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: aeternum-vault <command> [flags]

commands:
  init       create a new vault and print its recovery mnemonic once
  status     unlock and print the current epoch and device list
  store      write one field of one record
  get        read one field of one record
  devices    list the active device set
  register   provision and pair a new device into the active set
  revoke     remove a device from the active set
  rotate     re-wrap the vault key under a freshly generated DEK
  recover    open a 48-hour recovery window
  veto       submit a veto against the open recovery window
  finalize   close the recovery window, installing a new sole device`)
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = runInit(args)
	case "status", "unlock":
		err = runStatus(args)
	case "store":
		err = runStore(args)
	case "get":
		err = runGet(args)
	case "devices":
		err = runDevices(args)
	case "register":
		err = runRegister(args)
	case "revoke":
		err = runRevoke(args)
	case "rotate":
		err = runRotate(args)
	case "recover":
		err = runRecover(args)
	case "veto":
		err = runVeto(args)
	case "finalize":
		err = runFinalize(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("aeternum-vault: %v", err)
	}
}

// layout is the set of on-disk paths the CLI manages alongside the
// session package's own vault.db and metadata store. The local device
// key and PIN record live outside metastore.Store on purpose: both
// gate access to the vault rather than describe its state, so they
// have no business inside the replicated device-header metadata.
type layout struct {
	cfg          config.Config
	deviceKeyPath string
	deviceIDPath  string
	pinPath       string
}

func newLayout(vaultDir string) layout {
	cfg := config.Default()
	cfg.VaultDir = vaultDir
	cfg.MetadataPath = filepath.Join(vaultDir, "metadata.json")
	return layout{
		cfg:           cfg,
		deviceKeyPath: filepath.Join(vaultDir, "device.key"),
		deviceIDPath:  filepath.Join(vaultDir, "device.id"),
		pinPath:       filepath.Join(vaultDir, "pin.yaml"),
	}
}

func commonFlags(fs *flag.FlagSet) *string {
	return fs.String("vault", "./vault", "vault directory")
}

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func writeDeviceID(path string, id vault.DeviceID) error {
	text, err := id.MarshalText()
	if err != nil {
		return err
	}
	return os.WriteFile(path, text, 0o600)
}

func readDeviceID(path string) (vault.DeviceID, error) {
	var id vault.DeviceID
	data, err := os.ReadFile(path)
	if err != nil {
		return id, err
	}
	err = id.UnmarshalText(data)
	return id, err
}

func writePINRecord(path string, rec config.PINRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readPINRecord(path string) (config.PINRecord, error) {
	var rec config.PINRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	err = yaml.Unmarshal(data, &rec)
	return rec, err
}

// checkPIN gates terminal access to the CLI. It runs before the
// mnemonic is ever requested, independent of the key hierarchy.
func checkPIN(l layout) error {
	rec, err := readPINRecord(l.pinPath)
	if err != nil {
		return fmt.Errorf("read pin record: %w", err)
	}
	pin, err := readLine("PIN: ")
	if err != nil {
		return fmt.Errorf("read pin: %w", err)
	}
	ok, err := config.VerifyPIN(pin, rec, l.cfg.Argon2id)
	if err != nil {
		return fmt.Errorf("verify pin: %w", err)
	}
	if !ok {
		return errors.New("incorrect pin")
	}
	return nil
}

func openSelf(l layout) (session.DeviceIdentity, error) {
	id, err := readDeviceID(l.deviceIDPath)
	if err != nil {
		return session.DeviceIdentity{}, fmt.Errorf("read device id: %w", err)
	}
	handle, err := devicekey.LoadLocal(l.deviceKeyPath)
	if err != nil {
		return session.DeviceIdentity{}, fmt.Errorf("load device key: %w", err)
	}
	return session.DeviceIdentity{ID: id, Handle: handle, SigningPublicKey: handle.SigningPublicKey()}, nil
}

// unlock runs the PIN gate, prompts for the mnemonic, and opens a
// session against the vault at l.cfg.VaultDir. Every CLI command that
// touches vault state calls this and Lock()s before returning, so each
// process invocation is one self-contained operation.
func unlock(l layout) (*session.SessionHandle, error) {
	if err := checkPIN(l); err != nil {
		return nil, err
	}
	self, err := openSelf(l)
	if err != nil {
		return nil, err
	}
	mnemonic, err := readLine("Mnemonic: ")
	if err != nil {
		return nil, fmt.Errorf("read mnemonic: %w", err)
	}
	store := metastore.NewFile(l.cfg.MetadataPath)
	log := logging.New(nil)
	s, err := session.Unlock(l.cfg, store, mnemonic, self, nil, nil, log)
	if err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}
	return s, nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l := newLayout(*vaultDir)

	if _, err := os.Stat(l.cfg.VaultDir); err == nil {
		return fmt.Errorf("vault directory %s already exists", l.cfg.VaultDir)
	}
	if err := os.MkdirAll(l.cfg.VaultDir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	mnemonic, err := keys.GenerateMnemonic()
	if err != nil {
		return fmt.Errorf("generate mnemonic: %w", err)
	}

	pin, err := readLine("Choose a PIN: ")
	if err != nil {
		return fmt.Errorf("read pin: %w", err)
	}
	rec, err := config.HashPIN(pin, l.cfg.Argon2id)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	if err := writePINRecord(l.pinPath, rec); err != nil {
		return fmt.Errorf("write pin record: %w", err)
	}

	deviceHandle, err := devicekey.NewLocal(l.deviceKeyPath)
	if err != nil {
		return fmt.Errorf("generate device key: %w", err)
	}
	deviceID, err := vault.NewDeviceID()
	if err != nil {
		return fmt.Errorf("generate device id: %w", err)
	}
	if err := writeDeviceID(l.deviceIDPath, deviceID); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}

	owner := session.DeviceIdentity{ID: deviceID, Handle: deviceHandle, SigningPublicKey: deviceHandle.SigningPublicKey()}
	store := metastore.NewFile(l.cfg.MetadataPath)
	if err := session.InitializeVault(l.cfg, store, mnemonic, owner, time.Now(), logging.New(nil)); err != nil {
		return fmt.Errorf("initialize vault: %w", err)
	}

	fmt.Println("vault initialized.")
	fmt.Println()
	fmt.Println("RECOVERY MNEMONIC (record this now, it is never shown again):")
	fmt.Println()
	fmt.Println("  " + mnemonic)
	fmt.Println()
	fmt.Printf("device id: %s\n", deviceID.String())
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := unlock(newLayout(*vaultDir))
	if err != nil {
		return err
	}
	defer s.Lock()

	ids, err := s.ListRecordIDs()
	if err != nil {
		return err
	}
	devices, err := s.GetDeviceList()
	if err != nil {
		return err
	}

	fmt.Printf("records: %d\n", len(ids))
	fmt.Printf("devices:\n")
	for _, d := range devices {
		fmt.Printf("  %s  %-10s caps=%v created=%s\n", d.ID, d.Status, d.Capabilities, d.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runDevices(args []string) error {
	return runStatus(args)
}

func runStore(args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	recordID := fs.String("record", "", "record id")
	field := fs.String("field", "", "field key")
	value := fs.String("value", "", "plaintext value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recordID == "" || *field == "" {
		return errors.New("store requires -record and -field")
	}
	s, err := unlock(newLayout(*vaultDir))
	if err != nil {
		return err
	}
	defer s.Lock()
	return s.StoreEntry(context.Background(), *recordID, *field, []byte(*value))
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	recordID := fs.String("record", "", "record id")
	field := fs.String("field", "", "field key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recordID == "" || *field == "" {
		return errors.New("get requires -record and -field")
	}
	s, err := unlock(newLayout(*vaultDir))
	if err != nil {
		return err
	}
	defer s.Lock()
	val, err := s.DecryptField(*recordID, *field)
	if err != nil {
		return err
	}
	fmt.Println(string(val))
	return nil
}

// runRegister provisions a brand-new device key under
// <vault>/peers/<id>.key and pairs it into the active set via
// register_device, without changing the epoch's VK.
func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l := newLayout(*vaultDir)
	s, err := unlock(l)
	if err != nil {
		return err
	}
	defer s.Lock()

	peersDir := filepath.Join(l.cfg.VaultDir, "peers")
	if err := os.MkdirAll(peersDir, 0o700); err != nil {
		return fmt.Errorf("create peers directory: %w", err)
	}
	peerID, err := vault.NewDeviceID()
	if err != nil {
		return fmt.Errorf("generate peer device id: %w", err)
	}
	peerHandle, err := devicekey.NewLocal(filepath.Join(peersDir, peerID.String()+".key"))
	if err != nil {
		return fmt.Errorf("generate peer device key: %w", err)
	}
	peer := session.DeviceIdentity{ID: peerID, Handle: peerHandle, SigningPublicKey: peerHandle.SigningPublicKey()}
	if err := s.RegisterDevice(context.Background(), peer, time.Now()); err != nil {
		return err
	}
	fmt.Printf("registered device %s (key at %s)\n", peerID.String(), filepath.Join(peersDir, peerID.String()+".key"))
	return nil
}

func runRevoke(args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	idFlag := fs.String("device", "", "device id to revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *idFlag == "" {
		return errors.New("revoke requires -device")
	}
	var id vault.DeviceID
	if err := id.UnmarshalText([]byte(*idFlag)); err != nil {
		return fmt.Errorf("parse device id: %w", err)
	}
	s, err := unlock(newLayout(*vaultDir))
	if err != nil {
		return err
	}
	defer s.Lock()
	return s.RevokeDevice(context.Background(), id, time.Now())
}

func runRotate(args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := unlock(newLayout(*vaultDir))
	if err != nil {
		return err
	}
	defer s.Lock()
	return s.RootRotate(context.Background(), time.Now())
}

func runRecover(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	requestID := fs.String("request", "", "recovery request id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requestID == "" {
		return errors.New("recover requires -request")
	}
	s, err := unlock(newLayout(*vaultDir))
	if err != nil {
		return err
	}
	defer s.Lock()
	return s.InitiateRecovery(context.Background(), *requestID, time.Now())
}

func runVeto(args []string) error {
	fs := flag.NewFlagSet("veto", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l := newLayout(*vaultDir)
	s, err := unlock(l)
	if err != nil {
		return err
	}
	defer s.Lock()
	id, err := readDeviceID(l.deviceIDPath)
	if err != nil {
		return fmt.Errorf("read device id: %w", err)
	}
	return s.SubmitVeto(id, time.Now())
}

// runFinalize closes an open recovery window, provisioning a brand-new
// local device key as the sole surviving device and promoting it to
// self once the session confirms the forced root rotation succeeded.
func runFinalize(args []string) error {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	vaultDir := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l := newLayout(*vaultDir)
	s, err := unlock(l)
	if err != nil {
		return err
	}
	defer s.Lock()

	newKeyPath := l.deviceKeyPath + ".new"
	newHandle, err := devicekey.NewLocal(newKeyPath)
	if err != nil {
		return fmt.Errorf("generate replacement device key: %w", err)
	}
	newID, err := vault.NewDeviceID()
	if err != nil {
		os.Remove(newKeyPath)
		return fmt.Errorf("generate replacement device id: %w", err)
	}
	newOwner := session.DeviceIdentity{ID: newID, Handle: newHandle, SigningPublicKey: newHandle.SigningPublicKey()}

	// Promote the replacement device's local files into place before
	// asking the session to commit the new device set: that way, once
	// FinalizeRecovery succeeds, device.key/device.id already agree
	// with it, and a crash between the two can never strand us with a
	// self identity the vault no longer recognizes. If FinalizeRecovery
	// fails instead, the backups below put the old device back.
	keyBackup := l.deviceKeyPath + ".bak"
	idBackup := l.deviceIDPath + ".bak"
	hadOldKey := false
	hadOldID := false
	rollback := func() {
		os.Remove(l.deviceKeyPath)
		os.Remove(l.deviceIDPath)
		if hadOldKey {
			os.Rename(keyBackup, l.deviceKeyPath)
		}
		if hadOldID {
			os.Rename(idBackup, l.deviceIDPath)
		}
	}

	if err := os.Rename(l.deviceKeyPath, keyBackup); err != nil {
		if !os.IsNotExist(err) {
			os.Remove(newKeyPath)
			return fmt.Errorf("back up current device key: %w", err)
		}
	} else {
		hadOldKey = true
	}
	if err := os.Rename(l.deviceIDPath, idBackup); err != nil {
		if !os.IsNotExist(err) {
			rollback()
			os.Remove(newKeyPath)
			return fmt.Errorf("back up current device id: %w", err)
		}
	} else {
		hadOldID = true
	}

	if err := os.Rename(newKeyPath, l.deviceKeyPath); err != nil {
		rollback()
		return fmt.Errorf("promote replacement device key: %w", err)
	}
	if err := writeDeviceID(l.deviceIDPath, newID); err != nil {
		rollback()
		return fmt.Errorf("write replacement device id: %w", err)
	}

	if err := s.FinalizeRecovery(context.Background(), time.Now(), newOwner); err != nil {
		rollback()
		return err
	}

	if hadOldKey {
		os.Remove(keyBackup)
	}
	if hadOldID {
		os.Remove(idBackup)
	}
	fmt.Printf("recovery finalized: new device %s is now the sole active device\n", newID.String())
	return nil
}
