package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"murmur/mic"
	"murmur/openai"
	"murmur/transcript"
	"murmur/ui"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	listenCmd.Flags().
		String("device", "", "Input device index or name (default input device)")
	listenCmd.Flags().
		Bool("pick-device", false, "Choose the input device interactively")
	listenCmd.Flags().Bool("tui", false, "Show the transcript in a full-screen view")
	listenCmd.Flags().String("model", openai.DefaultModel, "Transcription model")
	listenCmd.Flags().String("language", "en", "Expected speech language")
	listenCmd.Flags().String("prompt", "", "Transcription context prompt")
	listenCmd.Flags().
		Duration("quiet", 2*time.Second, "Quiet period before a segment is shown")
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(listDevicesCmd)

	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")

	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
}

func initConfig() {
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "Murmur transcribes your microphone in real time",
	Long:  `Murmur streams microphone audio to the OpenAI realtime API and prints the transcript as you speak.`,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Transcribe the microphone until interrupted",
	Run:   runListen,
}

var listDevicesCmd = &cobra.Command{
	Use:   "ls",
	Short: "List audio input devices",
	Run:   runListDevices,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runListen(cmd *cobra.Command, args []string) {
	mainLogger, hearLogger, dataLogger := createLoggers()

	apiKey := viper.GetString("openai_api_key")
	if apiKey == "" {
		mainLogger.Fatal("missing OPENAI_API_KEY or --openai-api-key=")
	}

	deviceIndex, err := resolveDevice(cmd)
	if err != nil {
		mainLogger.Fatal("resolve input device", "error", err.Error())
	}

	config := openai.DefaultSessionConfig()
	config.Model, _ = cmd.Flags().GetString("model")
	config.Language, _ = cmd.Flags().GetString("language")
	if prompt, _ := cmd.Flags().GetString("prompt"); prompt != "" {
		config.Prompt = prompt
	}
	quiet, _ := cmd.Flags().GetDuration("quiet")
	useTUI, _ := cmd.Flags().GetBool("tui")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The device is claimed before negotiation so a bad device fails
	// fast, before any network round trip.
	source, err := mic.Open(mic.DefaultFormat(), deviceIndex, hearLogger)
	if err != nil {
		mainLogger.Fatal("open microphone", "error", err.Error())
	}
	defer source.Close()

	client := openai.NewClient(apiKey, dataLogger)
	session, err := client.CreateSession(ctx, config)
	if err != nil {
		mainLogger.Fatal("negotiate session", "error", err.Error())
	}

	accumulator := transcript.NewAccumulator(quiet)
	updates := accumulator.Subscribe()

	stream, err := openai.Connect(
		ctx, openai.RealtimeURL, session, config,
		source, accumulator, dataLogger,
	)
	if err != nil {
		mainLogger.Fatal("connect realtime session", "error", err.Error())
	}
	defer stream.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Ending the session, for any reason, releases the stop waiter
		// and closes the subscriber channels.
		defer cancel()
		defer accumulator.Close()
		return stream.Run(gctx)
	})

	g.Go(func() error {
		waitForStop(gctx, mainLogger)
		cancel()
		return nil
	})

	g.Go(func() error {
		if useTUI {
			defer cancel()
			return ui.Run(updates)
		}
		printSegments(updates, hearLogger)
		return nil
	})

	if err := g.Wait(); err != nil {
		mainLogger.Fatal("session ended", "error", err.Error())
	}

	if text := accumulator.Text(); text != "" {
		fmt.Println(text)
	} else {
		mainLogger.Info("nothing transcribed")
	}
}

// waitForStop returns on SIGINT, SIGTERM, a line on stdin, or context
// cancellation, whichever comes first.
func waitForStop(ctx context.Context, logger *log.Logger) {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(sc)

	enter := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			close(enter)
		}
	}()

	logger.Info("listening, press enter or ctrl-c to stop")

	select {
	case <-sc:
	case <-enter:
	case <-ctx.Done():
	}
}

func printSegments(updates <-chan transcript.Update, logger *log.Logger) {
	for update := range updates {
		logger.Info("segment", "text", update.Segment)
	}
}

func resolveDevice(cmd *cobra.Command) (int, error) {
	if pick, _ := cmd.Flags().GetBool("pick-device"); pick {
		return pickDevice()
	}
	spec, _ := cmd.Flags().GetString("device")
	return mic.FindDevice(spec)
}

func pickDevice() (int, error) {
	devices, err := mic.Devices()
	if err != nil {
		return -1, err
	}
	if len(devices) == 0 {
		return -1, mic.ErrNoInputDevice
	}

	options := make([]huh.Option[int], len(devices))
	for i, device := range devices {
		options[i] = huh.NewOption(
			fmt.Sprintf("%d: %s (%d ch)",
				device.Index, device.Name, device.Channels),
			device.Index,
		)
	}

	var selected int
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Choose an input device").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return -1, err
	}
	return selected, nil
}

func runListDevices(cmd *cobra.Command, args []string) {
	mainLogger, _, _ := createLoggers()

	devices, err := mic.Devices()
	if err != nil {
		mainLogger.Fatal("list devices", "error", err.Error())
	}

	if len(devices) == 0 {
		fmt.Println("No input devices found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Index", "Name", "Channels", "Sample Rate"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, device := range devices {
		table.Append([]string{
			fmt.Sprintf("%d", device.Index),
			device.Name,
			fmt.Sprintf("%d", device.Channels),
			fmt.Sprintf("%.0f Hz", device.SampleRate),
		})
	}

	table.Render()
}

func createLoggers() (mainLogger, hearLogger, dataLogger *log.Logger) {
	logLevel := log.InfoLevel
	if viper.GetBool("debug") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	hearLogger = logger.With().WithPrefix("hear")
	dataLogger = logger.With().WithPrefix("data")

	return
}
