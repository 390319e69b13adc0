// Command queryworker is the Query Worker (C6) subprocess entrypoint,
// spawned by the Process Pool Manager (C5) with stdin/stdout as its IPC
// transport.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/ipc"
	"github.com/sgaydamakov/counters/queryworker"
)

func main() {
	binaryCodec := flag.Bool("binary-codec", false, "use the BSON IPC codec instead of the JSON one")
	flag.Parse()

	log := common.ServiceLogger("queryworker")
	codec := ipc.NewCodec(*binaryCodec)

	w := queryworker.New(os.Stdin, os.Stdout, codec, log)
	if err := w.Run(context.Background()); err != nil {
		log.WithError(err).Fatal("queryworker exited with error")
	}
}
