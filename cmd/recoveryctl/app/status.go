package app

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ariesdb/enginecore/src/bufferpool"
	"github.com/ariesdb/enginecore/src/cfg"
	"github.com/ariesdb/enginecore/src/checkpoint"
	"github.com/ariesdb/enginecore/src/logstore"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/utils"
	"github.com/ariesdb/enginecore/src/recovery"
	"github.com/ariesdb/enginecore/src/storage/devtable"
	"github.com/ariesdb/enginecore/src/storage/disk"
	"github.com/ariesdb/enginecore/src/storage/page"
	"github.com/ariesdb/enginecore/src/txns"
)

// initStatus wires `recoveryctl status`: a read-only Analysis-only dry
// run that reports what a full recover() would find, without running
// Redo or Undo and without writing a checkpoint.
func initStatus() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Reports what Analysis finds without running Redo/Undo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := gatherStatus(rootCmd.Options.ConfigPath)
			if err != nil {
				return err
			}

			out, err := utils.EncodeStatusJSON(fields)
			if err != nil {
				return fmt.Errorf("encode status: %w", err)
			}

			fmt.Println(string(out))

			return nil
		},
	})
}

func gatherStatus(configPath string) (utils.StatusFields, error) {
	config, err := cfg.LoadConfig(configPath)
	if err != nil {
		return utils.StatusFields{}, fmt.Errorf("load config: %w", err)
	}

	fs := afero.NewOsFs()

	logStore, err := logstore.Open(fs, config.LogDir, logstore.DefaultPartitionSize)
	if err != nil {
		return utils.StatusFields{}, fmt.Errorf("open log store: %w", err)
	}

	diskMgr := disk.New[*page.SlottedPage](
		fs,
		map[common.FileID]string{0: config.VolumeDir + "/data.db"},
		page.NewSlottedPage,
	)

	bp, err := bufferpool.New(config.BufferPoolPages, bufferpool.NewLRUReplacer(), diskMgr)
	if err != nil {
		return utils.StatusFields{}, fmt.Errorf("create buffer pool: %w", err)
	}

	txnTable := recovery.NewTransactionTable()
	devTable := devtable.New(fs)
	locker := txns.NewLocker()

	chkpt := checkpoint.New(logStore, fs, config.LogDir+"/master.lsn")

	masterLSN, err := chkpt.MasterLSN()
	if err != nil {
		return utils.StatusFields{}, fmt.Errorf("read master lsn: %w", err)
	}

	result, err := recovery.RunAnalysis(logStore, bp, txnTable, devTable, locker, masterLSN, true)
	if err != nil {
		return utils.StatusFields{}, fmt.Errorf("analysis: %w", err)
	}

	fields := utils.StatusFields{
		Mode:         "analysis_only",
		LastLSN:      uint64(result.LastLSN),
		InDoubtCount: result.InDoubtCount,
	}

	if result.CommitLSN.IsSome() {
		v := uint64(result.CommitLSN.Unwrap())
		fields.CommitLSN = &v
	}

	if result.RedoLSN.IsSome() {
		v := uint64(result.RedoLSN.Unwrap())
		fields.RedoLSN = &v
	}

	return fields, nil
}
