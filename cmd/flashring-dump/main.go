package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/nospamcalfee/flashring"
)

type rootParameters struct {
	Filepath   string `short:"f" long:"filepath" description:"File-path of the ring log's backing region" required:"true"`
	Sectors    uint32 `short:"n" long:"sectors" description:"Number of sectors in the region" required:"true"`
	PageSize   uint32 `short:"p" long:"page-size" description:"Programmable page size, in bytes" default:"256"`
	SectorSize uint32 `short:"s" long:"sector-size" description:"Erasable sector size, in bytes" default:"4096"`
	ID         uint8  `short:"i" long:"id" description:"Record id to dump" required:"true"`
	MaxLen     uint32 `short:"m" long:"max-len" description:"Largest single record to read, in bytes" default:"4096"`
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

	buf := make([]byte, rootArguments.MaxLen)
	found := 0
	for {
		n, err := rb.Read(rootArguments.ID, buf)
		if err != nil {
			if errors.Is(err, flashring.ErrBlankHeader) || errors.Is(err, flashring.ErrHdrIDNotFound) {
				break
			}
			log.PanicIf(err)
		}
		fmt.Printf("record %d (%d bytes):\n", found, n)
		dumpHex(buf[:n])
		found++
	}

	fmt.Printf("%d live record(s) with id=0x%02x\n", found, rootArguments.ID)
}

func dumpHex(data []byte) {
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("  %04x  % x\n", i, data[i:end])
	}
}
