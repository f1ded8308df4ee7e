package folio_test

import (
	"fmt"
	"io"
	"log"

	"github.com/pageturn/folio"
)

// Opening a book with a persistent chapter cache and reading the first
// chapter as plain text.
func Example() {
	store := folio.NewDirStore("/tmp/folio-cache", 8<<20)
	book, err := folio.Open("testbook.epub", folio.WithStore(store))
	if err != nil {
		log.Fatal(err)
	}
	defer book.Close()

	md := book.Metadata()
	fmt.Printf("%s by %s (%d chapters)\n", md.Title, md.Author, book.ChapterCount())

	buf := make([]byte, 4096)
	var off int64
	for {
		n, err := book.ReadChapterTextAt(0, off, buf)
		fmt.Print(string(buf[:n]))
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal(err)
		}
		off += int64(n)
	}
}

// Sliding the precache window as the reader moves through the book.
func Example_navigation() {
	book, err := folio.Open("testbook.epub",
		folio.WithStore(folio.NewDirStore("/tmp/folio-cache", 8<<20)),
		folio.WithWindow(folio.WindowConfig{Before: 1, After: 3, MaxChapters: 5}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer book.Close()

	for book.NextChapter() == nil {
		pos := book.Position()
		ch, _ := book.Chapter(pos.ChapterIndex)
		fmt.Println(ch.Title)
	}
}
