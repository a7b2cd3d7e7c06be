package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	humanize "github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/nospamcalfee/flashring"
)

type rootParameters struct {
	Filepath   string `short:"f" long:"filepath" description:"File-path of the ring log's backing region" required:"true"`
	Sectors    uint32 `short:"n" long:"sectors" description:"Number of sectors in the region" required:"true"`
	PageSize   uint32 `short:"p" long:"page-size" description:"Programmable page size, in bytes" default:"256"`
	SectorSize uint32 `short:"s" long:"sector-size" description:"Erasable sector size, in bytes" default:"4096"`
}

var rootArguments = new(rootParameters)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	dev, err := flashring.OpenFileDevice(
		rootArguments.Filepath,
		rootArguments.Sectors*rootArguments.SectorSize,
		rootArguments.PageSize,
		rootArguments.SectorSize)
	log.PanicIf(err)

	defer dev.Close()

	rb, err := flashring.Recreate(dev, 0, rootArguments.Sectors, flashring.CreateRestore)
	log.PanicIf(err)

	fmt.Printf("region:       %s\n", rootArguments.Filepath)
	fmt.Printf("capacity:     %s (%d sectors x %s)\n",
		humanize.Bytes(uint64(dev.Size())), rootArguments.Sectors, humanize.Bytes(uint64(rootArguments.SectorSize)))
	fmt.Printf("page size:    %s\n", humanize.Bytes(uint64(rootArguments.PageSize)))
	fmt.Printf("read cursor:  0x%08x\n", rb.Next())
	fmt.Printf("last wrote:   0x%08x\n", rb.LastWrote())
}
