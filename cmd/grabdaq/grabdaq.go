package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/grabdaq"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper says where to find the config file, creating an empty one in
// ~/.grabdaq if needed, and sets the defaults of every section.
func setupViper() error {
	grabdaq.SetDefaults(viper.GetViper())
	viper.SetDefault("record.enable", false)
	viper.SetDefault("record.dir", "$HOME/.grabdaq/data")
	viper.SetDefault("publish.enable", false)
	viper.SetDefault("publish.addr", "tcp://*:5600")
	viper.SetDefault("publish.queuedepth", 100)
	viper.SetDefault("runlog.enable", false)
	viper.SetDefault("poll", "20ms")
	viper.SetDefault("simulate.frameperiod", "2ms")

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotGrabdaq := filepath.Join(HOME, ".grabdaq")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotGrabdaq, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/grabdaq"))
	viper.AddConfigPath(dotGrabdaq)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Could not open log file '%s'", pfname))
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,  // megabytes after which new file is created
		MaxBackups: 4,   // number of backups
		MaxAge:     180, // days
		Compress:   true,
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1)
	grabdaq.Build.Date = buildDate
	grabdaq.Build.Githash = githash
	grabdaq.Build.Gitdate = gitdate
	grabdaq.Build.Summary = fmt.Sprintf("GRABDAQ version %s (git commit %s of %s)", grabdaq.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		grabdaq.Build.Host = host
	} else {
		grabdaq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	duration := flag.Duration("duration", 0, "stop after this long (0 means run until interrupted)")
	noDAQ := flag.Bool("nodaq", false, "do not run the DAQ")
	noGrabber := flag.Bool("nograbber", false, "do not run the frame grabber")
	inspect := flag.Bool("inspect", false, "dump the simulated driver state on exit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is GRABDAQ version %s\n", grabdaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is GRABDAQ version %s (git commit %s)\n", grabdaq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".grabdaq", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	grabdaq.ProblemLogger = startLogger(problemname)
	grabdaq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems to %s\n", problemname)
	fmt.Printf("Logging updates  to %s\n\n", logname)
	grabdaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(); err != nil {
		panic(err)
	}

	abort := make(chan struct{})
	a, err := newAcquisition(viper.GetViper(), !*noDAQ, !*noGrabber)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}
	go func() {
		select {
		case <-interrupt:
		case <-timeout:
		}
		close(abort)
	}()

	if err := a.run(abort); err != nil {
		grabdaq.ProblemLogger.Printf("acquisition ended with error: %v", err)
		fmt.Fprintln(os.Stderr, err)
	}
	if *inspect {
		a.inspect()
	}
	a.close()
	fmt.Println(a.summary())
}
