package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"krypt.co/piperpc/client"
	"krypt.co/piperpc/common/socket"
	. "krypt.co/piperpc/common/util"
	"krypt.co/piperpc/common/version"
	"krypt.co/piperpc/daemon/diagnostics"
)

func PrintFatal(stderr io.Writer, msg string, args ...interface{}) {
	PrintErr(stderr, msg, args...)
	os.Exit(1)
}

func PrintErr(stderr io.Writer, msg string, args ...interface{}) {
	stderr.Write([]byte(fmt.Sprintf(msg, args...) + "\n"))
}

func fatalStatus(err error) {
	st := status.Convert(err)
	PrintFatal(os.Stderr, Red("%s: %s"), st.Code(), st.Message())
}

func channel(c *cli.Context) *client.Channel {
	opts := client.DefaultOptions()
	opts.ConnectTimeout = c.GlobalDuration("connect-timeout")
	if c.GlobalBool("shm") {
		opts.Dialer = client.SharedMemoryDialer
	}
	return client.NewChannel(c.GlobalString("name"), opts)
}

func callContext(c *cli.Context) (context.Context, context.CancelFunc) {
	if timeout := c.GlobalDuration("timeout"); timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

func pingCommand(c *cli.Context) (err error) {
	ctx, cancel := callContext(c)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, diagnostics.VersionHeader, version.CURRENT_VERSION.String())
	start := time.Now()
	var header metadata.MD
	out, err := diagnostics.NewClient(channel(c)).Ping(ctx, grpc.Header(&header))
	if err != nil {
		fatalStatus(err)
	}
	fmt.Println(Green("piped "+out.GetValue()) + " in " + time.Since(start).String())
	if v := header.Get(diagnostics.VersionHeader); len(v) > 0 {
		peer, parseErr := version.Parse(v[0])
		if parseErr == nil && !version.Compatible(peer) {
			PrintErr(os.Stderr, Yellow("piped version %s is incompatible with pipectl %s"), peer, version.CURRENT_VERSION)
		}
	}
	return
}

func echoCommand(c *cli.Context) (err error) {
	ctx, cancel := callContext(c)
	defer cancel()
	out, err := diagnostics.NewClient(channel(c)).Echo(ctx, wrapperspb.String(strings.Join(c.Args(), " ")))
	if err != nil {
		fatalStatus(err)
	}
	fmt.Println(out.GetValue())
	return
}

func countCommand(c *cli.Context) (err error) {
	n, err := strconv.Atoi(c.Args().First())
	if err != nil {
		PrintFatal(os.Stderr, "%s", Red("count requires a number"))
	}
	ctx, cancel := callContext(c)
	defer cancel()
	stream, err := diagnostics.NewClient(channel(c)).Count(ctx, int32(n))
	if err != nil {
		fatalStatus(err)
	}
	for {
		m, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			fatalStatus(recvErr)
		}
		fmt.Println(m.GetValue())
	}
	if total := stream.Trailer().Get(diagnostics.CountTrailer); len(total) > 0 {
		fmt.Println(Cyan("sent " + total[0]))
	}
	return
}

func sumCommand(c *cli.Context) (err error) {
	ctx, cancel := callContext(c)
	defer cancel()
	stream, err := diagnostics.NewClient(channel(c)).Sum(ctx)
	if err != nil {
		fatalStatus(err)
	}
	for _, arg := range c.Args() {
		n, convErr := strconv.Atoi(arg)
		if convErr != nil {
			PrintFatal(os.Stderr, Red("not a number: %s"), arg)
		}
		if err = stream.Send(wrapperspb.Int32(int32(n))); err != nil {
			break
		}
	}
	out, err := stream.CloseAndRecv()
	if err != nil {
		fatalStatus(err)
	}
	fmt.Println(out.GetValue())
	return
}

func chatCommand(c *cli.Context) (err error) {
	ctx, cancel := callContext(c)
	defer cancel()
	stream, err := diagnostics.NewClient(channel(c)).Chat(ctx)
	if err != nil {
		fatalStatus(err)
	}
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if stream.Send(wrapperspb.String(scanner.Text())) != nil {
				return
			}
		}
		stream.CloseSend()
	}()
	for {
		m, recvErr := stream.Recv()
		if recvErr == io.EOF {
			return
		}
		if recvErr != nil {
			fatalStatus(recvErr)
		}
		fmt.Println(m.GetValue())
	}
}

func versionCommand(c *cli.Context) (err error) {
	fmt.Println("pipectl " + version.CURRENT_VERSION.String())
	ctx, cancel := callContext(c)
	defer cancel()
	out, err := diagnostics.NewClient(channel(c)).Ping(ctx)
	if err != nil {
		PrintErr(os.Stderr, Yellow("piped unreachable: %s"), status.Convert(err).Message())
		return nil
	}
	fmt.Println("piped " + out.GetValue())
	return
}

func main() {
	app := cli.NewApp()
	app.Name = "pipectl"
	app.Usage = "call piped over a local pipe or shared memory"
	app.Version = version.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "name, n",
			Value: socket.DefaultName,
			Usage: "Channel name piped listens on",
		},
		cli.BoolFlag{
			Name:  "shm",
			Usage: "Connect over shared memory",
		},
		cli.DurationFlag{
			Name:  "timeout, t",
			Value: 10 * time.Second,
			Usage: "Call deadline, 0 for none",
		},
		cli.DurationFlag{
			Name:  "connect-timeout",
			Value: 5 * time.Second,
			Usage: "How long to wait for piped to accept",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "version",
			Usage:  "Print the pipectl and piped versions",
			Action: versionCommand,
		},
		cli.Command{
			Name:   "ping",
			Usage:  "Check that piped is reachable and report its version",
			Action: pingCommand,
		},
		cli.Command{
			Name:   "echo",
			Usage:  "Send the arguments to piped and print the reply",
			Action: echoCommand,
		},
		cli.Command{
			Name:   "count",
			Usage:  "Stream the numbers 1..N back from piped",
			Action: countCommand,
		},
		cli.Command{
			Name:   "sum",
			Usage:  "Stream the arguments to piped and print their sum",
			Action: sumCommand,
		},
		cli.Command{
			Name:   "chat",
			Usage:  "Echo stdin lines through a duplex stream",
			Action: chatCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		PrintFatal(os.Stderr, "%s", Red(err.Error()))
	}
}
