package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/liverelay/messages"

	"github.com/bytedance/sonic"
)

const chunkSize = 3200 // 100ms at 16kHz

// AudioPlayer streams 24kHz PCM to the speakers via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return nil
	}

	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Write(audioData []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Wait()
	}
	return nil
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Relay WebSocket URL")
	audioFile := flag.String("file", "", "Audio file to send (16kHz PCM or WAV)")
	text := flag.String("text", "", "Text message to send instead of audio")
	outFile := flag.String("out", "", "Write received 24kHz PCM to this file")
	play := flag.Bool("play", false, "Play received audio with sox")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for responses")
	flag.Parse()

	if *audioFile == "" && *text == "" {
		log.Fatal("one of -file or -text is required")
	}

	var sinks []io.Writer
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *outFile, err)
		}
		defer f.Close()
		sinks = append(sinks, f)
	}
	if *play {
		player := NewAudioPlayer()
		if player == nil {
			log.Fatal("Failed to create audio player (is sox installed?)")
		}
		defer player.Close()
		sinks = append(sinks, player)
	}
	audioOut := io.MultiWriter(sinks...)

	log.Printf("🔌 Connecting to %s...", *serverURL)

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("✅ Connected!")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readResponses(conn, audioOut)
	}()

	if *text != "" {
		msg := map[string]string{"type": messages.TypeText, "text": *text}
		data, err := sonic.Marshal(msg)
		if err != nil {
			log.Fatalf("Failed to encode text: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Fatalf("Send error: %v", err)
		}
		log.Printf("📤 Sent text: %s", *text)
	} else {
		if err := streamAudio(conn, *audioFile); err != nil {
			log.Fatalf("Failed to stream audio: %v", err)
		}
		log.Println("✅ Audio sent, waiting for response...")
	}

	select {
	case <-done:
		log.Println("Connection closed")
	case <-interrupt:
		log.Println("\n👋 Interrupted, closing...")
	case <-time.After(*wait):
		log.Println("⏰ Done waiting for responses")
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readResponses prints text and error frames and writes binary frames to out
func readResponses(conn *websocket.Conn, out io.Writer) {
	var received int
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Println("Read error:", err)
			}
			if received > 0 {
				log.Printf("🔊 Received %d bytes of audio in total", received)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			received += len(data)
			if _, err := out.Write(data); err != nil {
				log.Printf("Audio sink error: %v", err)
			}
			continue
		}

		var msg messages.ServerMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			log.Println("Parse error:", err)
			continue
		}
		switch msg.Type {
		case messages.TypeText:
			fmt.Printf("📝 %s\n", msg.Text)
		case messages.TypeError:
			log.Printf("❌ Error: %s", msg.Error)
		default:
			log.Printf("Unknown message type %q", msg.Type)
		}
	}
}

// streamAudio sends the file in 100ms binary chunks at real-time pace
func streamAudio(conn *websocket.Conn, path string) error {
	log.Printf("📤 Sending audio file: %s", path)

	audioData, err := loadAudioFile(path)
	if err != nil {
		return err
	}

	total := (len(audioData) + chunkSize - 1) / chunkSize
	for i := 0; i < len(audioData); i += chunkSize {
		end := i + chunkSize
		if end > len(audioData) {
			end = len(audioData)
		}
		chunk := audioData[i:end]

		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("send chunk %d: %w", i/chunkSize+1, err)
		}
		log.Printf("📤 Sent chunk %d/%d (%d bytes)", i/chunkSize+1, total, len(chunk))

		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Check if it's a WAV file (starts with "RIFF")
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		// Skip WAV header (44 bytes for standard WAV)
		log.Println("📁 Detected WAV file, skipping header")
		return data[44:], nil
	}

	log.Println("📁 Detected raw PCM file")
	return data, nil
}
