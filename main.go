// Program calibkit runs an interactive element calibration session against
// the calibration set registry. The operator drives it from the terminal
// console, from stdin, or remotely over the telnet control port.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"calibkit/config"
)

// Version will be set at build time
var Version = "dev"

func main() {
	configDir := flag.String("config", "", "configuration directory (default $"+config.EnvPath+" or "+config.DefaultDir+")")
	headless := flag.Bool("headless", false, "disable the terminal console and read commands from stdin")
	flag.Parse()

	cfg, err := config.Load(config.ResolveDir(*configDir))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logs, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(logs)
	defer logs.Close()
	if logErr != nil {
		log.Printf("Logging: file sink disabled: %v", logErr)
	}
	log.Printf("calibkit v%s starting (config %s)", Version, cfg.LoadedFrom)

	useConsole := cfg.Console.Enabled && !*headless && isStdoutTTY()
	if !useConsole {
		cfg.Print()
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}
	defer a.Close()
	logs.OnRotate(func(prevDay time.Time, _, _ string) {
		a.checkpointHistograms(prevDay)
	})

	if cfg.Calibration.AutoStart {
		if err := a.startConfiguredSession(); err != nil {
			log.Printf("Controller: auto-start of %s failed: %v", cfg.Calibration.CalibrationID, err)
		}
	}

	done := make(chan struct{})
	quit := make(chan struct{})
	var ui *dashboard
	if useConsole {
		ui = newDashboard(a.processor)
		ui.WaitReady()
		logs.SetConsole(ui.SystemWriter(), true)
		go ui.Refresh(a.ctrl, a.tracker, time.Duration(cfg.Console.RefreshMS)*time.Millisecond, done)
		go func() {
			<-ui.Quit()
			close(quit)
		}()
	} else {
		go func() {
			runStdin(os.Stdin, os.Stdout, a.processor)
			if !cfg.Control.Enabled {
				close(quit)
			}
		}()
	}

	if a.server != nil {
		log.Printf("Connect via: telnet localhost %d", cfg.Control.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
	case <-quit:
	}
	log.Println("Shutting down...")
	close(done)
	if ui != nil {
		ui.Stop()
		logs.SetConsole(os.Stdout, true)
	}
}

// runStdin feeds stdin lines to the command processor until EOF or BYE.
func runStdin(in io.Reader, out io.Writer, runner commandRunner) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "calib> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			resp := runner.ProcessCommand(line)
			if resp == "BYE" {
				fmt.Fprintln(out, "Bye.")
				return
			}
			fmt.Fprint(out, resp)
		}
		fmt.Fprint(out, "calib> ")
	}
}

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
