// Command dhtnode runs a standalone Mainline DHT node: it listens on a UDP
// socket, answers ping and find_node queries, bootstraps its routing table
// from a list of well-known hosts, and periodically refreshes stale
// buckets and rotates its token secret.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/matei-oltean/dht/dht"
)

// fileConfig is the YAML shape accepted by -config.
type fileConfig struct {
	Port                  int           `yaml:"port"`
	Bootstrap             []string      `yaml:"bootstrap"`
	StateFile             string        `yaml:"state_file"`
	QueryTimeout          time.Duration `yaml:"query_timeout"`
	MaxNodeCountPerBucket int           `yaml:"max_node_count_per_bucket"`
	ReadOnly              bool          `yaml:"read_only"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var c fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "dhtnode: read config")
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrap(err, "dhtnode: parse config")
	}
	return c, nil
}

// udpWriter adapts a *net.UDPConn to dht.DatagramWriter.
type udpWriter struct{ conn *net.UDPConn }

func (w *udpWriter) WriteTo(data []byte, addr dht.NetworkAddress) error {
	_, err := w.conn.WriteToUDP(data, &net.UDPAddr{IP: addr.IP, Port: addr.Port})
	return err
}

func readLoop(ctx context.Context, conn *net.UDPConn, node *dht.Node, codec dht.Codec, logger log.Logger) {
	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return
		}
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Printf("dhtnode: read: %v", err)
			continue
		}
		msg, err := codec.Decode(buf[:n])
		if err != nil {
			logger.Printf("dhtnode: malformed message from %v: %v", raddr, err)
			continue
		}
		node.Receive(msg, dht.FromUDPAddr(raddr))
	}
}

// bootstrapOne pings a well-known host:port contact; once it answers, its
// response auto-admits it into the matching routing table (Node's own
// post-processing), and a FindNode lookup targeting our own id discovers
// the rest of the swarm from there.
func bootstrapOne(node *dht.Node, hostport string) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return
	}

	ip := ips[0]
	var addr dht.NetworkAddress
	table := node.IPv4Table()
	if ip4 := ip.To4(); ip4 != nil {
		addr = dht.NewIPv4Address(ip4, port)
	} else {
		addr = dht.NewIPv6Address(ip.To16(), port)
		table = node.IPv6Table()
	}
	target := table.Pivot

	node.Ping(dht.Identifier{Addr: addr}, func(o dht.Outcome) {
		if _, ok := o.(dht.Responded); ok {
			node.FindNode(table, target, nil, nil)
		}
	})
}

func run(c *cli.Context) error {
	cfg := fileConfig{
		Port:                  c.Int("port"),
		QueryTimeout:          dht.DefaultQueryTimeout,
		MaxNodeCountPerBucket: dht.DefaultMaxNodeCountPerBucket,
	}
	if path := c.String("config"); path != "" {
		loaded, err := loadFileConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
		if cfg.Port == 0 {
			cfg.Port = c.Int("port")
		}
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return errors.Wrap(err, "dhtnode: listen")
	}
	defer conn.Close()

	node, err := dht.NewNode(dht.NodeConfig{
		QueryTimeout:          cfg.QueryTimeout,
		MaxNodeCountPerBucket: cfg.MaxNodeCountPerBucket,
		IsReadOnlyNode:        cfg.ReadOnly,
		ClientVersion:         []byte("GD01"),
	})
	if err != nil {
		return errors.Wrap(err, "dhtnode: create node")
	}

	codec := dht.BencodeCodec{}
	node.SetChannel(&dht.CodecChannel{Writer: &udpWriter{conn: conn}, Codec: codec})

	if cfg.StateFile != "" {
		if data, err := os.ReadFile(cfg.StateFile); err == nil {
			if err := node.LoadState(data); err != nil {
				log.Default.Printf("dhtnode: discarding unreadable state file: %v", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readLoop(ctx, conn, node, codec, log.Default)

	for _, host := range cfg.Bootstrap {
		bootstrapOne(node, host)
	}

	refresh := time.NewTicker(dht.DefaultBucketRefreshInterval)
	defer refresh.Stop()
	rotate := time.NewTicker(dht.DefaultTokenRotationInterval)
	defer rotate.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	for {
		select {
		case <-refresh.C:
			node.RefreshStaleBuckets(dht.DefaultBucketRefreshInterval, nil)
		case <-rotate.C:
			if err := node.RotateSecretTokens(); err != nil {
				log.Default.Printf("dhtnode: rotate secret tokens: %v", err)
			}
		case <-sig:
			cancel()
			node.Cancel()
			if cfg.StateFile != "" {
				if data, err := node.SaveState(); err == nil {
					os.WriteFile(cfg.StateFile, data, 0o600)
				}
			}
			return nil
		}
	}
}

// transientNode opens an ephemeral UDP socket and a freshly-keyed Node for
// one-shot CLI commands (ping, find-node, get-peers, bootstrap). The
// returned stop func closes the socket and stops the read loop; callers
// defer it.
func transientNode() (node *dht.Node, stop func(), err error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "dhtnode: listen")
	}

	node, err = dht.NewNode(dht.NodeConfig{ClientVersion: []byte("GD01")})
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "dhtnode: create node")
	}

	codec := dht.BencodeCodec{}
	node.SetChannel(&dht.CodecChannel{Writer: &udpWriter{conn: conn}, Codec: codec})

	ctx, cancel := context.WithCancel(context.Background())
	go readLoop(ctx, conn, node, codec, log.Default)

	return node, func() {
		cancel()
		conn.Close()
	}, nil
}

// resolveHostport turns a "host:port" CLI argument into a NetworkAddress,
// resolving a hostname to its first IP.
func resolveHostport(hostport string) (dht.NetworkAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return dht.NetworkAddress{}, errors.Wrap(err, "dhtnode: parse address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return dht.NetworkAddress{}, errors.Wrap(err, "dhtnode: parse port")
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return dht.NetworkAddress{}, errors.Errorf("dhtnode: could not resolve %q", host)
	}
	if ip4 := ips[0].To4(); ip4 != nil {
		return dht.NewIPv4Address(ip4, port), nil
	}
	return dht.NewIPv6Address(ips[0].To16(), port), nil
}

func parseNodeID(s string) (dht.NodeID, error) {
	var id dht.NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != dht.IDLength {
		return id, errors.Errorf("dhtnode: %q is not a %d-byte hex id", s, dht.IDLength)
	}
	copy(id[:], b)
	return id, nil
}

func parseInfoHash(s string) (dht.InfoHash, error) {
	id, err := parseNodeID(s)
	return dht.InfoHash(id), err
}

func pingCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("dhtnode: ping requires a host:port argument")
	}
	addr, err := resolveHostport(c.Args().Get(0))
	if err != nil {
		return err
	}
	node, stop, err := transientNode()
	if err != nil {
		return err
	}
	defer stop()

	done := make(chan dht.Outcome, 1)
	node.Ping(dht.Identifier{Addr: addr}, func(o dht.Outcome) { done <- o })
	switch o := (<-done).(type) {
	case dht.Responded:
		fmt.Println("pong")
	default:
		return errors.Errorf("dhtnode: ping failed: %#v", o)
	}
	return nil
}

func findNodeCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("dhtnode: find-node requires a host:port and a target id")
	}
	addr, err := resolveHostport(c.Args().Get(0))
	if err != nil {
		return err
	}
	target, err := parseNodeID(c.Args().Get(1))
	if err != nil {
		return err
	}
	node, stop, err := transientNode()
	if err != nil {
		return err
	}
	defer stop()

	table := node.IPv4Table()
	if addr.Kind == dht.HostIPv6 {
		table = node.IPv6Table()
	}
	bootstrap := []dht.Identifier{{Addr: addr}}

	out := make(chan dht.LookupOutcome, 1)
	node.FindNode(table, target, bootstrap, func(res dht.LookupOutcome) { out <- res })
	res := <-out
	if res.Err != nil {
		return errors.Wrap(res.Err, "dhtnode: find-node")
	}
	for _, id := range res.Closest {
		if id.NodeID != nil {
			fmt.Printf("%s %s:%d\n", id.NodeID, id.Addr.IP, id.Addr.Port)
		}
	}
	return nil
}

func getPeersCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("dhtnode: get-peers requires a host:port and an info hash")
	}
	addr, err := resolveHostport(c.Args().Get(0))
	if err != nil {
		return err
	}
	hash, err := parseInfoHash(c.Args().Get(1))
	if err != nil {
		return err
	}
	node, stop, err := transientNode()
	if err != nil {
		return err
	}
	defer stop()

	table := node.IPv4Table()
	if addr.Kind == dht.HostIPv6 {
		table = node.IPv6Table()
	}
	bootstrap := []dht.Identifier{{Addr: addr}}

	out := make(chan dht.LookupOutcome, 1)
	node.GetPeers(table, hash, bootstrap, dht.DefaultGetPeersOptions(), func(res dht.LookupOutcome) { out <- res })
	res := <-out
	if res.Err != nil {
		return errors.Wrap(res.Err, "dhtnode: get-peers")
	}
	for _, p := range res.Peers {
		fmt.Printf("%s:%d\n", p.IP, p.Port)
	}
	return nil
}

func bootstrapCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("dhtnode: bootstrap requires one or more host:port contacts")
	}
	node, stop, err := transientNode()
	if err != nil {
		return err
	}
	defer stop()

	for _, hostport := range c.Args().Slice() {
		bootstrapOne(node, hostport)
	}
	time.Sleep(2 * time.Second)

	fmt.Printf("ipv4 table: %d nodes\n", node.IPv4Table().Size())
	fmt.Printf("ipv6 table: %d nodes\n", node.IPv6Table().Size())
	return nil
}

func main() {
	app := &cli.App{
		Name:  "dhtnode",
		Usage: "run a standalone BitTorrent Mainline DHT node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML config file"},
			&cli.IntFlag{Name: "port", Value: 6881, Usage: "UDP port to listen on"},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:      "ping",
				Usage:     "send a single ping query to a contact and report whether it answered",
				ArgsUsage: "host:port",
				Action:    pingCommand,
			},
			{
				Name:      "find-node",
				Usage:     "run a find_node lookup for a target id, seeded from a single contact",
				ArgsUsage: "host:port target-id-hex",
				Action:    findNodeCommand,
			},
			{
				Name:      "get-peers",
				Usage:     "run a get_peers lookup for an info hash, seeded from a single contact",
				ArgsUsage: "host:port info-hash-hex",
				Action:    getPeersCommand,
			},
			{
				Name:      "bootstrap",
				Usage:     "ping a list of well-known contacts and report the resulting routing table size",
				ArgsUsage: "host:port [host:port...]",
				Action:    bootstrapCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Default.Printf("dhtnode: %v", err)
		os.Exit(1)
	}
}
