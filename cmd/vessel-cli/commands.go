package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"overlord/internal/bootstrap"
	"overlord/internal/explib"
	"overlord/internal/keyfile"
	"overlord/pkg/model"
)

var commands = []command{
	{"lookup", "", "list node locations advertised under the identity (or --node)", setupLookup},
	{"browse", "<host:port>", "list the vessels on one node", setupBrowse},
	{"find", "", "find every vessel usable by the identity", setupFind},
	{"status", "<vessel>...", "report vessel status", setupStatus},
	{"log", "<vessel>", "print a vessel's log", setupLog},
	{"ls", "<vessel>", "list the files in a vessel", setupList},
	{"upload", "<file> <vessel>...", "upload a file to vessels", setupUpload},
	{"download", "<file> <vessel>...", "download a file from vessels", setupDownload},
	{"start", "<program> <vessel>...", "start a program on vessels", setupStart},
	{"stop", "<vessel>...", "stop the program running in vessels", setupStop},
	{"reset", "<vessel>...", "stop vessels and delete their files", setupReset},
	{"set-users", "<vessel> [publickey]...", "replace a vessel's user keys", setupSetUsers},
	{"offcut", "<nodeid>", "show a node's unallocated resources", setupOffcut},
	{"acquired", "", "list the vessels held from the broker", setupAcquired},
	{"keygen", "<user>", "generate <user>.publickey and <user>.privatekey", setupKeygen},
	{"advertise", "<key> <host:port>", "advertise a location under a key", setupAdvertise},
}

func setupLookup(fs *pflag.FlagSet) runFunc {
	node := fs.String("node", "", "look up a node ID instead of the identity's public key")
	return func(ctx context.Context, c *cli, args []string) error {
		client, err := c.client()
		if err != nil {
			return err
		}
		var locations []model.NodeLocation
		if *node != "" {
			locations, err = client.LookupByNodeID(ctx, model.NodeID(*node))
		} else {
			id, idErr := c.identity(false)
			if idErr != nil {
				return idErr
			}
			locations, err = client.LookupByIdentity(ctx, id)
		}
		if err != nil {
			return err
		}
		for _, loc := range locations {
			fmt.Println(loc)
		}
		return nil
	}
}

func setupBrowse(fs *pflag.FlagSet) runFunc {
	all := fs.Bool("all", false, "show every vessel, not only those usable by the identity")
	return func(ctx context.Context, c *cli, args []string) error {
		if err := exactArgs(args, 1, "a node location"); err != nil {
			return err
		}
		location := model.NodeLocation(args[0])
		if err := location.Validate(); err != nil {
			return err
		}
		client, err := c.client()
		if err != nil {
			return err
		}
		var id *model.Identity
		if !*all {
			if id, err = c.identity(false); err != nil {
				return err
			}
		}
		dicts, err := client.BrowseNode(ctx, location, id)
		if err != nil {
			return err
		}
		for _, d := range dicts {
			fmt.Printf("%-12s %-11s users=%d  %s\n", d.Name, d.Status, len(d.UserKeys), d.Handle)
		}
		fmt.Printf("%d vessels on %s\n", len(dicts), location)
		return nil
	}
}

func setupFind(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		client, err := c.client()
		if err != nil {
			return err
		}
		id, err := c.identity(false)
		if err != nil {
			return err
		}
		locations, err := client.LookupByIdentity(ctx, id)
		if err != nil {
			return err
		}
		handles, err := client.FindVesselsOnNodes(ctx, id, locations)
		if err != nil {
			return err
		}
		for _, h := range handles {
			fmt.Println(h)
		}
		fmt.Printf("✅ %d vessels on %d advertised locations\n", len(handles), len(locations))
		return nil
	}
}

func setupStatus(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		handles, err := parseHandles(args)
		if err != nil {
			return err
		}
		client, err := c.client()
		if err != nil {
			return err
		}
		id, err := c.identity(false)
		if err != nil {
			return err
		}
		return c.forEach(ctx, handles, func(ctx context.Context, h model.VesselHandle) (string, error) {
			status, err := client.VesselStatus(ctx, h, id)
			return string(status), err
		})
	}
}

// signedSetup 需要私钥签名的子命令的公共部分
func signedSetup(c *cli) (*explib.Client, *model.Identity, error) {
	client, err := c.client()
	if err != nil {
		return nil, nil, err
	}
	id, err := c.identity(true)
	if err != nil {
		return nil, nil, err
	}
	return client, id, nil
}

func setupLog(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		handles, err := parseHandles(args)
		if err != nil {
			return err
		}
		if len(handles) != 1 {
			return errors.New("expected exactly one vessel")
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		log, err := client.VesselLog(ctx, handles[0], id)
		if err != nil {
			return err
		}
		fmt.Printf("\n📄 Log for vessel [%s]:\n", handles[0])
		fmt.Println("================================================")
		fmt.Println(log)
		fmt.Println("================================================")
		return nil
	}
}

func setupList(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		handles, err := parseHandles(args)
		if err != nil {
			return err
		}
		if len(handles) != 1 {
			return errors.New("expected exactly one vessel")
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		files, err := client.ListFiles(ctx, handles[0], id)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	}
}

func setupUpload(fs *pflag.FlagSet) runFunc {
	as := fs.String("as", "", "remote file name (default: base name of the local file)")
	return func(ctx context.Context, c *cli, args []string) error {
		if len(args) < 2 {
			return errors.New("expected a file and at least one vessel")
		}
		local := args[0]
		handles, err := parseHandles(args[1:])
		if err != nil {
			return err
		}
		remote := *as
		if remote == "" {
			remote = filepath.Base(local)
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		return c.forEach(ctx, handles, func(ctx context.Context, h model.VesselHandle) (string, error) {
			return "uploaded " + remote, client.UploadFile(ctx, h, id, local, remote)
		})
	}
}

func setupDownload(fs *pflag.FlagSet) runFunc {
	to := fs.String("to", "", "local file name (default: the remote name)")
	suffix := fs.Bool("suffix", false, "append _host_port_vessel to the local name (always on for several vessels)")
	return func(ctx context.Context, c *cli, args []string) error {
		if len(args) < 2 {
			return errors.New("expected a file and at least one vessel")
		}
		remote := args[0]
		handles, err := parseHandles(args[1:])
		if err != nil {
			return err
		}
		opts := explib.DownloadOptions{
			LocalPath:         *to,
			AddLocationSuffix: *suffix || len(handles) > 1,
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		return c.forEach(ctx, handles, func(ctx context.Context, h model.VesselHandle) (string, error) {
			path, err := client.DownloadFile(ctx, h, id, remote, opts)
			return "saved " + path, err
		})
	}
}

func setupStart(fs *pflag.FlagSet) runFunc {
	programArgs := fs.StringArray("arg", nil, "program argument (repeatable)")
	return func(ctx context.Context, c *cli, args []string) error {
		if len(args) < 2 {
			return errors.New("expected a program and at least one vessel")
		}
		program := args[0]
		handles, err := parseHandles(args[1:])
		if err != nil {
			return err
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		return c.forEach(ctx, handles, func(ctx context.Context, h model.VesselHandle) (string, error) {
			return "started " + program, client.StartVessel(ctx, h, id, program, *programArgs)
		})
	}
}

func setupStop(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		handles, err := parseHandles(args)
		if err != nil {
			return err
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		return c.forEach(ctx, handles, func(ctx context.Context, h model.VesselHandle) (string, error) {
			return "stopped", client.StopVessel(ctx, h, id)
		})
	}
}

func setupReset(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		handles, err := parseHandles(args)
		if err != nil {
			return err
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		return c.forEach(ctx, handles, func(ctx context.Context, h model.VesselHandle) (string, error) {
			return "reset", client.ResetVessel(ctx, h, id)
		})
	}
}

// setupSetUsers 参数是公钥文件路径；不给任何文件时清空 user 列表
func setupSetUsers(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		if len(args) == 0 {
			return errors.New("expected a vessel")
		}
		handles, err := parseHandles(args[:1])
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(args)-1)
		for _, path := range args[1:] {
			user, err := keyfile.ReadIdentity(path, "", nil)
			if err != nil {
				return err
			}
			keys = append(keys, user.PublicKeyString())
		}
		client, id, err := signedSetup(c)
		if err != nil {
			return err
		}
		return c.forEach(ctx, handles, func(ctx context.Context, h model.VesselHandle) (string, error) {
			return fmt.Sprintf("%d users", len(keys)), client.SetUsers(ctx, h, id, keys)
		})
	}
}

func setupOffcut(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		if err := exactArgs(args, 1, "a node ID"); err != nil {
			return err
		}
		client, err := c.client()
		if err != nil {
			return err
		}
		resources, err := client.OffcutResources(ctx, model.NodeID(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimRight(resources, "\n"))
		return nil
	}
}

func setupAcquired(fs *pflag.FlagSet) runFunc {
	return func(ctx context.Context, c *cli, args []string) error {
		b, err := c.broker()
		if err != nil {
			return err
		}
		info, err := b.AccountInfo(ctx)
		if err != nil {
			return err
		}
		dicts, err := b.AcquiredVesselDetails(ctx)
		if err != nil {
			return err
		}
		for _, d := range dicts {
			expires := time.Duration(d.ExpiresInSeconds) * time.Second
			fmt.Printf("%-22s expires in %-10s %s\n", d.Location, expires, d.Handle)
		}
		fmt.Printf("%d of %d vessels acquired, user port %d\n", len(dicts), info.MaxVessels, info.UserPort)
		return nil
	}
}

func setupKeygen(fs *pflag.FlagSet) runFunc {
	encrypt := fs.Bool("encrypt", false, "encrypt the private key with a passphrase ($"+bootstrap.EnvPassphrase+" or prompt)")
	return func(ctx context.Context, c *cli, args []string) error {
		if err := exactArgs(args, 1, "a user name"); err != nil {
			return err
		}
		user := args[0]
		dir := c.cfg.Identity.KeyDir
		if keyfile.FindPrivateKey(dir, user) != "" {
			return fmt.Errorf("a private key for %s already exists in %s", user, dir)
		}

		var passphrase string
		if *encrypt {
			passphrase = os.Getenv(bootstrap.EnvPassphrase)
			if passphrase == "" {
				secret, err := keyfile.TerminalPassphrase("Passphrase for " + user + ": ")()
				if err != nil {
					return err
				}
				passphrase = secret
			}
			if passphrase == "" {
				return errors.New("empty passphrase")
			}
		}

		id, err := model.GenerateIdentity(user)
		if err != nil {
			return err
		}
		privatePath, err := keyfile.WriteKeyPair(dir, id, passphrase)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Wrote %s and %s\n", filepath.Join(dir, user+keyfile.PublicKeySuffix), privatePath)
		fmt.Printf("   fingerprint %s\n", id.Fingerprint())
		return nil
	}
}

func setupAdvertise(fs *pflag.FlagSet) runFunc {
	ttl := fs.Duration("ttl", 0, "advertisement lifetime (default discovery.advertise_ttl)")
	return func(ctx context.Context, c *cli, args []string) error {
		if err := exactArgs(args, 2, "a key and a node location"); err != nil {
			return err
		}
		location := model.NodeLocation(args[1])
		if err := location.Validate(); err != nil {
			return err
		}
		lifetime := c.cfg.Discovery.AdvertiseTTL
		if fs.Changed("ttl") {
			lifetime = *ttl
		}
		adv, err := c.advertiser()
		if err != nil {
			return err
		}
		if err := adv.Advertise(ctx, args[0], string(location), lifetime); err != nil {
			return err
		}
		fmt.Printf("✅ Advertised %s for %s\n", location, lifetime)
		return nil
	}
}
